// Package browser 通过 Chrome DevTools 协议驱动教辅编辑页面：列出标签页、
// 在页面内用页面自身的登录态上传图片、刷新页面以及执行编辑区整理操作。
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/samber/lo"

	"github.com/pingfury108/bedu-jiaofu/internal/format"
	"github.com/pingfury108/bedu-jiaofu/internal/textbook"
	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

const (
	targetTypePage = "page"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"
	stopWaitTime   = 500 * time.Millisecond
)

// ErrNoEditable 页面上没有获得焦点的可编辑区域
var ErrNoEditable = errors.New("没有找到获得焦点的编辑区域")

// Options 浏览器启动选项
type Options struct {
	// RemoteURL 非空时连接已运行的 Chrome（如 ws://127.0.0.1:9222），否则启动新的 Chrome
	RemoteURL     string
	Headless      bool
	UserDataDir   string
	ChromePath    string
	StartURL      string
	TabURLPattern string
}

// TabInfo 标签页信息
type TabInfo struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Bridge 浏览器连接
type Bridge struct {
	opts          Options
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	tabs   map[string]*Tab
	logger *slog.Logger
}

// NewBridge 创建浏览器连接，需调用 Start
func NewBridge(opts Options) *Bridge {
	return &Bridge{
		opts:   opts,
		tabs:   make(map[string]*Tab),
		logger: slog.Default().With("component", "browser"),
	}
}

// Start 启动或连接浏览器
func (b *Bridge) Start() error {
	if b.opts.RemoteURL != "" {
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.opts.RemoteURL)
		b.logger.Info("connecting to running chrome", "url", b.opts.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.UserAgent(userAgent),
		)
		if b.opts.ChromePath != "" {
			opts = append(opts, chromedp.ExecPath(b.opts.ChromePath))
		}
		if b.opts.UserDataDir != "" {
			opts = append(opts, chromedp.UserDataDir(b.opts.UserDataDir))
		}
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	var actions []chromedp.Action
	if b.opts.RemoteURL == "" && b.opts.StartURL != "" {
		actions = append(actions, chromedp.Navigate(b.opts.StartURL))
	}
	if err := chromedp.Run(b.browserCtx, actions...); err != nil {
		b.Stop()
		return fmt.Errorf("启动浏览器失败: %w", err)
	}
	return nil
}

// Stop 关闭浏览器（连接已运行的 Chrome 时只断开连接）
func (b *Bridge) Stop() {
	b.mu.Lock()
	for id, t := range b.tabs {
		t.cancel()
		delete(b.tabs, id)
	}
	b.mu.Unlock()

	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCancel = nil
	}
	time.Sleep(stopWaitTime)
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
	b.logger.Info("browser stopped")
}

// ListTabs 列出所有页面类型的标签页
func (b *Bridge) ListTabs(ctx context.Context) ([]TabInfo, error) {
	if b.browserCtx == nil {
		return nil, errors.New("浏览器未启动")
	}
	runCtx, cancel := joinContext(b.browserCtx, ctx)
	defer cancel()

	var targets []*target.Info
	if err := chromedp.Run(runCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			targets, err = target.GetTargets().Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("获取标签页失败: %w", err)
	}

	pages := lo.Filter(targets, func(t *target.Info, _ int) bool { return t.Type == targetTypePage })
	return lo.Map(pages, func(t *target.Info, _ int) TabInfo {
		return TabInfo{ID: string(t.TargetID), URL: t.URL, Title: t.Title}
	}), nil
}

// pickTab 选择第一个地址匹配的标签页，都不匹配时选第一个
func pickTab(tabs []TabInfo, pattern string) (TabInfo, bool) {
	if len(tabs) == 0 {
		return TabInfo{}, false
	}
	if pattern != "" {
		if t, ok := lo.Find(tabs, func(t TabInfo) bool { return strings.Contains(t.URL, pattern) }); ok {
			return t, true
		}
	}
	return tabs[0], true
}

// Page 获取标签页，id 为空时选择当前的教辅编辑页面
func (b *Bridge) Page(ctx context.Context, id string) (*Tab, error) {
	if id == "" {
		tabs, err := b.ListTabs(ctx)
		if err != nil {
			return nil, err
		}
		info, ok := pickTab(tabs, b.opts.TabURLPattern)
		if !ok {
			return nil, upload.ErrNoTarget
		}
		id = info.ID
	}
	return b.Tab(id)
}

// Tab 按 id 连接标签页
func (b *Bridge) Tab(id string) (*Tab, error) {
	if b.browserCtx == nil {
		return nil, errors.New("浏览器未启动")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.tabs[id]; ok && t.ctx.Err() == nil {
		return t, nil
	}

	ctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(target.ID(id)))
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: 标签页 %s: %v", upload.ErrNoTarget, id, err)
	}

	t := &Tab{id: id, ctx: ctx, cancel: cancel, logger: b.logger.With("tab", id)}
	b.tabs[id] = t
	return t, nil
}

// joinContext 派生自 base 的 context，parent 结束时一并取消
func joinContext(base, parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Tab 已连接的标签页，实现 relay.Target
type Tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// ID 标签页 id
func (t *Tab) ID() string { return t.id }

// run 在标签页上执行动作，调用方 ctx 结束时中断
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := joinContext(t.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return t.classify(ctx, err)
	}
	return nil
}

// classify 标签页关闭或跳转导致的失败归为 ErrChannelClosed
func (t *Tab) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if t.ctx.Err() != nil || isChannelError(err) {
		return fmt.Errorf("%w: %v", upload.ErrChannelClosed, err)
	}
	return err
}

func isChannelError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return lo.SomeBy([]string{
		"target closed",
		"navigated or closed",
		"websocket",
		"channel closed",
		"execution context was destroyed",
	}, func(s string) bool { return strings.Contains(msg, s) })
}

func evaluate(script string, out any) chromedp.Action {
	return chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})
}

// Upload 在页面内上传图片并保存为当前教辅的页面
func (t *Tab) Upload(ctx context.Context, item upload.Item) (upload.Result, error) {
	var location string
	if err := t.run(ctx, chromedp.Location(&location)); err != nil {
		return upload.Result{}, err
	}
	ref, err := textbook.ParsePageURL(location)
	if err != nil {
		return upload.Failed(item, err), nil
	}

	script, err := uploadScript(item, ref.TextbookID, ref.PageType)
	if err != nil {
		return upload.Failed(item, err), nil
	}

	var res upload.Result
	if err := t.run(ctx, evaluate(script, &res)); err != nil {
		return upload.Result{}, err
	}
	res.FileName, res.Index = item.FileName, item.Index
	t.logger.Debug("page upload finished", "file", item.FileName, "success", res.Success)
	return res, nil
}

// Refresh 重新加载页面
func (t *Tab) Refresh(ctx context.Context) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Reload().Do(ctx)
	}))
}

func (t *Tab) fetchData(ctx context.Context, path string, out any) error {
	script, err := withArgs(fetchDataJS, path)
	if err != nil {
		return err
	}
	return t.run(ctx, evaluate(script, out))
}

// UserInfo 当前页面登录的用户
func (t *Tab) UserInfo(ctx context.Context) (textbook.UserInfo, error) {
	var info textbook.UserInfo
	err := t.fetchData(ctx, "/edushop/user/common/info", &info)
	return info, err
}

// GenExprPic 用页面的登录态把 LaTeX 表达式渲染为图片
func (t *Tab) GenExprPic(ctx context.Context, expr string) (textbook.MathImage, error) {
	var img textbook.MathImage
	path := "/edushop/tiku/submit/genexprpic?" + url.Values{"expr": {expr}}.Encode()
	if err := t.fetchData(ctx, path, &img); err != nil {
		return textbook.MathImage{}, err
	}
	if img.URL == "" {
		return textbook.MathImage{}, fmt.Errorf("公式图片生成失败: %s", expr)
	}
	return img, nil
}

type activeHTML struct {
	Found bool   `json:"found"`
	HTML  string `json:"html"`
}

func (t *Tab) activeHTML(ctx context.Context) (string, error) {
	var res activeHTML
	if err := t.run(ctx, evaluate(activeHTMLJS, &res)); err != nil {
		return "", err
	}
	if !res.Found {
		return "", ErrNoEditable
	}
	return res.HTML, nil
}

func (t *Tab) setActiveHTML(ctx context.Context, html string) error {
	script, err := withArgs(setActiveHTMLJS, html)
	if err != nil {
		return err
	}
	var ok bool
	if err := t.run(ctx, evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return ErrNoEditable
	}
	return nil
}

// FormatActive 整理获得焦点的编辑区 HTML
func (t *Tab) FormatActive(ctx context.Context) error {
	html, err := t.activeHTML(ctx)
	if err != nil {
		return err
	}
	cleaned, err := format.CleanHTML(html)
	if err != nil {
		return err
	}
	return t.setActiveHTML(ctx, cleaned)
}

// FormatMath 把获得焦点的编辑区中的公式替换为公式图片
func (t *Tab) FormatMath(ctx context.Context) error {
	html, err := t.activeHTML(ctx)
	if err != nil {
		return err
	}
	replaced, err := format.ReplaceLatex(ctx, html, t)
	if err != nil {
		return err
	}
	return t.setActiveHTML(ctx, replaced)
}

// InsertCharacter 在光标处插入字符
func (t *Tab) InsertCharacter(ctx context.Context, char string) error {
	script, err := withArgs(insertJS, map[string]string{"html": format.HTMLEntities(char), "text": char})
	if err != nil {
		return err
	}
	var ok bool
	if err := t.run(ctx, evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return ErrNoEditable
	}
	return nil
}
