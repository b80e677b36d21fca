package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pingfury108/bedu-jiaofu/internal/api"
	"github.com/pingfury108/bedu-jiaofu/internal/browser"
	"github.com/pingfury108/bedu-jiaofu/internal/models"
	"github.com/pingfury108/bedu-jiaofu/internal/relay"
	"github.com/pingfury108/bedu-jiaofu/internal/web"
)

// bridgePages 把浏览器标签页作为侧边栏服务的页面来源
type bridgePages struct {
	*browser.Bridge
}

func (p bridgePages) Page(ctx context.Context, id string) (web.Page, error) {
	tab, err := p.Bridge.Page(ctx, id)
	if err != nil {
		return nil, err
	}
	return tab, nil
}

func (a *app) newServeCmd() *cobra.Command {
	var (
		port     int
		skipAuth bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动侧边栏服务（批量上传、格式化、公式、快捷字符、OCR）",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge, closeBridge, err := a.startBridge()
			if err != nil {
				return err
			}
			defer closeBridge()

			if a.cfg.UserName() == "" {
				if tab, err := bridge.Page(ctx, ""); err == nil {
					a.ensurePageUser(ctx, tab)
				}
			}
			if ready, msg := a.cfg.IsReady(); !ready && !skipAuth {
				pterm.Warning.Printfln("配置未就绪: %s", msg)
			}

			r := relay.New()
			defer r.Close()

			server := web.NewServer(web.Options{
				Config:   a.cfg,
				Pages:    bridgePages{bridge},
				Relay:    r,
				SkipAuth: skipAuth,
			})
			if err := server.Start(ctx, port); err != nil {
				return fmt.Errorf("启动服务器失败: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 11451, "监听端口")
	cmd.Flags().BoolVar(&skipAuth, "skip-auth", false, "跳过服务端的使用权限检查")
	return cmd
}

func (a *app) newAPICmd() *cobra.Command {
	var (
		port      int
		usersFile string
		adminKey  string
	)
	cmd := &cobra.Command{
		Use:   "api",
		Short: "启动插件服务端（用户名单鉴权与视觉模型 OCR）",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if adminKey == "" {
				adminKey = os.Getenv("ADMIN_KEY")
			}
			if adminKey == "" {
				pterm.Warning.Println("未设置 ADMIN_KEY，用户管理页面不可用")
			}

			users, err := api.LoadUserStore(usersFile)
			if err != nil {
				return err
			}

			manager := models.NewModelManager(a.cfg.GetEnabledModels())
			if !manager.HasAvailableModel() {
				for _, e := range a.cfg.ValidateModels() {
					pterm.Warning.Println(e.Error())
				}
			} else {
				pterm.Info.Printfln("可用模型: %v", manager.GetModelNames())
			}

			server, err := api.NewServer(api.Options{Users: users, OCR: manager, AdminKey: adminKey})
			if err != nil {
				return err
			}
			return server.Start(ctx, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8099, "监听端口")
	cmd.Flags().StringVar(&usersFile, "users", "config.json", "用户名单文件")
	cmd.Flags().StringVar(&adminKey, "admin-key", "", "用户管理页面的密钥（默认读取 ADMIN_KEY）")
	return cmd
}
