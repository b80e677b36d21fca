// Package cli 命令行入口：批量上传、侧边栏服务、插件服务端和若干排版工具。
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pingfury108/bedu-jiaofu/internal/browser"
	"github.com/pingfury108/bedu-jiaofu/internal/config"
)

type app struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

// Execute 执行命令行
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "jiaofu",
		Short:         "教辅生产平台批量上传与排版助手",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "配置文件路径")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "输出调试日志")

	root.AddCommand(
		a.newUploadCmd(),
		a.newServeCmd(),
		a.newAPICmd(),
		a.newFormatCmd(),
		a.newOCRCmd(),
		a.newCheckCmd(),
		a.newTabsCmd(),
		a.newConfigCmd(),
		a.newBookCmd(),
	)
	return root
}

// setup 读取 .env 和配置文件，环境变量覆盖配置
func (a *app) setup() error {
	if err := loadEnv(); err != nil {
		return err
	}
	setupLogger(a.verbose)

	a.cfg = config.New(a.configPath)
	if err := a.cfg.Load(); err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	a.cfg.ApplyEnv()
	return nil
}

func loadEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	return nil
}

func setupLogger(verbose bool) {
	level := pterm.LogLevelInfo
	if verbose {
		level = pterm.LogLevelDebug
	}
	slog.SetDefault(slog.New(pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(level))))
}

func (a *app) browserOptions() browser.Options {
	snap := a.cfg.Snapshot()
	return browser.Options{
		RemoteURL:     snap.Browser.RemoteURL,
		Headless:      snap.Browser.Headless,
		UserDataDir:   snap.Browser.UserDataDir,
		ChromePath:    a.cfg.ChromeBinaryPath,
		StartURL:      snap.Site.BaseURL,
		TabURLPattern: snap.Browser.TabURLPattern,
	}
}

// startBridge 启动浏览器连接，返回的函数用于关闭
func (a *app) startBridge() (*browser.Bridge, func(), error) {
	bridge := browser.NewBridge(a.browserOptions())
	if err := bridge.Start(); err != nil {
		return nil, nil, err
	}
	return bridge, bridge.Stop, nil
}
