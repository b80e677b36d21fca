package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pingfury108/bedu-jiaofu/internal/batch"
	"github.com/pingfury108/bedu-jiaofu/internal/config"
	"github.com/pingfury108/bedu-jiaofu/internal/jiaofu"
	"github.com/pingfury108/bedu-jiaofu/internal/relay"
	"github.com/pingfury108/bedu-jiaofu/internal/textbook"
	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

type uploadFlags struct {
	order           string
	throttle        time.Duration
	continueOnError bool
	tab             string
	direct          bool
	pageURL         string
	skipAuth        bool
}

func (a *app) newUploadCmd() *cobra.Command {
	var f uploadFlags
	cmd := &cobra.Command{
		Use:   "upload <files...>",
		Short: "按顺序批量上传图片到教辅编辑页面",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runUpload(ctx, f, args)
		},
	}

	cmd.Flags().StringVar(&f.order, "order", "", "处理顺序: numeric-desc, name-desc, name-asc（默认读取配置）")
	cmd.Flags().DurationVar(&f.throttle, "throttle", -1, "每个文件上传成功后的等待时间（默认读取配置）")
	cmd.Flags().BoolVar(&f.continueOnError, "continue-on-error", false, "单个文件失败后继续上传剩余文件")
	cmd.Flags().StringVar(&f.tab, "tab", "", "目标标签页 id，为空时自动选择教辅编辑页面")
	cmd.Flags().BoolVar(&f.direct, "direct", false, "不经浏览器，使用配置中的 Cookie 直接调用后台接口")
	cmd.Flags().StringVar(&f.pageURL, "page-url", "", "直连模式下的教辅编辑页面地址")
	cmd.Flags().BoolVar(&f.skipAuth, "skip-auth", false, "跳过服务端的使用权限检查")
	return cmd
}

// buildOptions 合并命令行参数和配置，命令行优先
func buildOptions(cfg *config.Config, f uploadFlags) (batch.Options, error) {
	snap := cfg.Snapshot()

	orderName := snap.Upload.Order
	if f.order != "" {
		orderName = f.order
	}
	order, err := upload.ParseOrder(orderName)
	if err != nil {
		return batch.Options{}, err
	}

	throttle := cfg.Throttle()
	if f.throttle >= 0 {
		throttle = f.throttle
	}

	opts := batch.Options{Order: order, Throttle: throttle}
	if f.continueOnError || snap.Upload.ContinueOnError {
		opts.FailurePolicy = batch.Continue
	}
	if !f.skipAuth {
		if errs := cfg.ValidateUser(); len(errs) > 0 {
			return batch.Options{}, errs[0]
		}
		opts.Gate = jiaofu.NewClient(cfg.Host(), cfg.UserName())
	}
	return opts, nil
}

// openTarget 打开上传目标：浏览器标签页或直连的页面会话
func (a *app) openTarget(ctx context.Context, f uploadFlags) (relay.Target, func(), error) {
	if f.direct {
		if f.pageURL == "" {
			return nil, nil, errors.New("直连模式需要 --page-url")
		}
		client, err := a.textbookClient()
		if err != nil {
			return nil, nil, err
		}
		page, err := textbook.NewPageContext(client, f.pageURL)
		if err != nil {
			return nil, nil, err
		}
		return page, func() {}, nil
	}

	bridge, stop, err := a.startBridge()
	if err != nil {
		return nil, nil, err
	}
	tab, err := bridge.Page(ctx, f.tab)
	if err != nil {
		stop()
		return nil, nil, err
	}
	return tab, stop, nil
}

// pageUser 能读取页面登录用户的上传目标
type pageUser interface {
	UserInfo(ctx context.Context) (textbook.UserInfo, error)
}

// ensurePageUser 配置中没有用户名时使用页面登录的用户名并保存
func (a *app) ensurePageUser(ctx context.Context, target any) {
	page, ok := target.(pageUser)
	if !ok || a.cfg.UserName() != "" {
		return
	}
	name, err := a.cfg.EnsureUser(ctx, func(ctx context.Context) (string, error) {
		info, err := page.UserInfo(ctx)
		return info.UserName, err
	})
	if err != nil {
		pterm.Warning.Printfln("未能从页面获取用户名: %v", err)
		return
	}
	pterm.Info.Printfln("使用页面登录的用户名: %s", name)
}

func (a *app) runUpload(ctx context.Context, f uploadFlags, paths []string) error {
	target, closeTarget, err := a.openTarget(ctx, f)
	if err != nil {
		return fmt.Errorf("打开上传目标失败: %w", err)
	}
	defer closeTarget()
	pterm.Info.Printfln("上传目标: %s", target.ID())

	if !f.skipAuth {
		a.ensurePageUser(ctx, target)
	}
	opts, err := buildOptions(a.cfg, f)
	if err != nil {
		return err
	}
	files := lo.Map(paths, func(p string, _ int) upload.File { return upload.FromPath(p) })

	r := relay.New()
	defer r.Close()

	b, err := batch.New(r, target, opts).Submit(ctx, files)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("处理顺序: %v", b.Names())

	bar, _ := pterm.DefaultProgressbar.WithTotal(len(files)).WithTitle("上传中").Start()
	for res := range b.Results(ctx) {
		bar.UpdateTitle(res.FileName)
		bar.Increment()
	}
	_, _ = bar.Stop()

	printResults(b.State())
	if err := b.Err(); err != nil {
		return err
	}
	pterm.Success.Printfln("已完成 %d 个文件上传", b.State().CompletedCount)
	return nil
}

func printResults(st batch.State) {
	table := pterm.TableData{{"文件", "状态", "地址 / 错误"}}
	for _, name := range st.Names {
		detail := st.RemoteURLs[name]
		if msg, ok := st.Errors[name]; ok {
			detail = msg
		}
		table = append(table, []string{name, string(st.StatusByName[name]), detail})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}
