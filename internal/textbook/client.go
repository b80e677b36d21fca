// Package textbook 是教辅生产平台后台接口的直连客户端，使用登录 Cookie 访问。
package textbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	uploadPicPath    = "/edushop/tiku/submit/uploadpic"
	savePagePath     = "/edushop/textbook/myproducecommit/savepage"
	genExprPicPath   = "/edushop/tiku/submit/genexprpic"
	userInfoPath     = "/edushop/user/common/info"
	basicInfoPath    = "/edushop/textbook/detail/basicinfo"
	saveInfoPath     = "/edushop/textbook/myproducecommit/saveinfo"
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"
	defaultTimeout   = 60 * time.Second
	defaultMathImage = "math.png"
)

// UploadedPic 图片上传结果
type UploadedPic struct {
	CdnURL string `json:"cdnUrl"`
}

// MathImage 公式图片
type MathImage struct {
	URL        string `json:"url"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	ExprEncode string `json:"exprEncode"`
}

// UserInfo 当前登录用户
type UserInfo struct {
	UserName string `json:"userName"`
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Client 后台接口客户端
type Client struct {
	baseURL *url.URL
	client  *http.Client
	logger  *slog.Logger
}

// NewClient 创建客户端，cookie 为浏览器中复制的 Cookie 字符串
func NewClient(baseURL, cookie string) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("无效的站点地址: %q", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("创建cookie jar失败: %w", err)
	}
	jar.SetCookies(base, parseCookies(cookie))

	return &Client{
		baseURL: base,
		client: &http.Client{
			Jar:     jar,
			Timeout: defaultTimeout,
		},
		logger: slog.Default().With("component", "textbook"),
	}, nil
}

// parseCookies 解析cookie字符串
func parseCookies(cookieStr string) []*http.Cookie {
	var cookies []*http.Cookie
	pairs := strings.Split(cookieStr, ";")
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			cookies = append(cookies, &http.Cookie{
				Name:  strings.TrimSpace(parts[0]),
				Value: strings.TrimSpace(parts[1]),
			})
		}
	}
	return cookies
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do 发送请求并把响应中的 data 字段解析到 out
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("解析响应失败: %w, body: %s", err, string(body))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("解析响应数据失败: %w", err)
	}
	return nil
}

// StatusError 非 200 的 HTTP 响应
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// UploadPic 上传图片，返回 CDN 地址
func (c *Client) UploadPic(ctx context.Context, data []byte, fileName string) (UploadedPic, error) {
	if fileName == "" {
		fileName = defaultMathImage
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return UploadedPic{}, err
	}
	if _, err := part.Write(data); err != nil {
		return UploadedPic{}, err
	}
	if err := w.Close(); err != nil {
		return UploadedPic{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(uploadPicPath, nil), &buf)
	if err != nil {
		return UploadedPic{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var pic UploadedPic
	if err := c.do(req, &pic); err != nil {
		return UploadedPic{}, err
	}
	c.logger.Debug("picture uploaded", "file", fileName, "url", pic.CdnURL)
	return pic, nil
}

// SavePage 把已上传图片保存为教辅页面
func (c *Client) SavePage(ctx context.Context, textbookID, picURL, pageType string) error {
	id, err := strconv.ParseInt(textbookID, 10, 64)
	if err != nil {
		return fmt.Errorf("无效的 textbookID: %q", textbookID)
	}
	payload, err := json.Marshal(map[string]any{
		"textbookID": id,
		"picUrl":     picURL,
		"pageType":   pageType,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(savePagePath, nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// GenExprPic 把 LaTeX 表达式渲染为图片
func (c *Client) GenExprPic(ctx context.Context, expr string) (MathImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(genExprPicPath, url.Values{"expr": {expr}}), nil)
	if err != nil {
		return MathImage{}, err
	}
	var img MathImage
	if err := c.do(req, &img); err != nil {
		return MathImage{}, err
	}
	if img.URL == "" {
		return MathImage{}, fmt.Errorf("公式图片生成失败: %s", expr)
	}
	return img, nil
}

// UserInfo 获取当前登录用户
func (c *Client) UserInfo(ctx context.Context) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(userInfoPath, nil), nil)
	if err != nil {
		return UserInfo{}, err
	}
	var info UserInfo
	if err := c.do(req, &info); err != nil {
		return UserInfo{}, err
	}
	return info, nil
}

// TextbookInfo 获取教辅基本信息，原样返回 data 字段
func (c *Client) TextbookInfo(ctx context.Context, textbookID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(basicInfoPath, url.Values{"textbookID": {textbookID}}), nil)
	if err != nil {
		return nil, err
	}
	info := map[string]any{}
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// SaveBookInfo 保存教辅基本信息
func (c *Client) SaveBookInfo(ctx context.Context, info map[string]any) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(saveInfoPath, nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// UpdateBookInfo 读取教辅基本信息，合并 fields 后保存，返回保存的内容
func (c *Client) UpdateBookInfo(ctx context.Context, textbookID string, fields map[string]any) (map[string]any, error) {
	info, err := c.TextbookInfo(ctx, textbookID)
	if err != nil {
		return nil, fmt.Errorf("获取教辅信息失败: %w", err)
	}
	maps.Copy(info, fields)
	if err := c.SaveBookInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("保存教辅信息失败: %w", err)
	}
	c.logger.Info("textbook info saved", "textbookID", textbookID, "fields", len(fields))
	return info, nil
}
