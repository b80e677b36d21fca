package textbook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

// ErrNoTextbookID 页面地址中没有 textbookID
var ErrNoTextbookID = errors.New("No textbookID found in URL")

// PageRef 教辅编辑页面的标识
type PageRef struct {
	TextbookID string `json:"textbookId"`
	PageType   string `json:"pageType"`
}

// queryValue 取 key=value 形式的参数值，兼容写在 hash 路由里的参数
func queryValue(raw, key string) string {
	_, rest, ok := strings.Cut(raw, key+"=")
	if !ok {
		return ""
	}
	value, _, _ := strings.Cut(rest, "&")
	value, _, _ = strings.Cut(value, "#")
	if v, err := url.QueryUnescape(value); err == nil {
		return v
	}
	return value
}

// ParsePageURL 从编辑页面地址解析 textbookID 和 textbookType，analysis 页面按 answer 保存
func ParsePageURL(raw string) (PageRef, error) {
	id := queryValue(raw, "textbookID")
	if id == "" {
		return PageRef{}, ErrNoTextbookID
	}
	pageType := queryValue(raw, "textbookType")
	if pageType == "analysis" {
		pageType = "answer"
	}
	return PageRef{TextbookID: id, PageType: pageType}, nil
}

// PageContext 不经浏览器、直接调用后台接口的页面上下文
type PageContext struct {
	client *Client
	page   PageRef
}

// NewPageContext 以编辑页面地址创建页面上下文
func NewPageContext(client *Client, pageURL string) (*PageContext, error) {
	ref, err := ParsePageURL(pageURL)
	if err != nil {
		return nil, err
	}
	return &PageContext{client: client, page: ref}, nil
}

// ID 页面标识
func (p *PageContext) ID() string {
	return fmt.Sprintf("textbook:%s/%s", p.page.TextbookID, p.page.PageType)
}

// Upload 上传图片并保存为页面；业务失败以 Success=false 的结果返回
func (p *PageContext) Upload(ctx context.Context, item upload.Item) (upload.Result, error) {
	fail := func(err error) (upload.Result, error) {
		if ctx.Err() != nil {
			return upload.Result{}, ctx.Err()
		}
		return upload.Failed(item, err), nil
	}

	data, _, err := upload.DecodeDataURI(item.Content)
	if err != nil {
		return fail(err)
	}

	pic, err := p.client.UploadPic(ctx, data, item.FileName)
	if err != nil {
		return fail(err)
	}
	if pic.CdnURL == "" {
		return fail(fmt.Errorf("Upload failed for %s - no CDN URL received", item.FileName))
	}

	if err := p.client.SavePage(ctx, p.page.TextbookID, pic.CdnURL, p.page.PageType); err != nil {
		return fail(err)
	}

	return upload.Result{
		Success:   true,
		FileName:  item.FileName,
		RemoteURL: pic.CdnURL,
		Index:     item.Index,
	}, nil
}

// UserInfo 当前 Cookie 登录的用户
func (p *PageContext) UserInfo(ctx context.Context) (UserInfo, error) {
	return p.client.UserInfo(ctx)
}

// Refresh 直连模式没有需要刷新的页面
func (p *PageContext) Refresh(ctx context.Context) error {
	p.client.logger.Info("pages saved, reload the editor to see them", "textbookID", p.page.TextbookID)
	return nil
}
