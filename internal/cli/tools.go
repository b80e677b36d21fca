package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pingfury108/bedu-jiaofu/internal/config"
	"github.com/pingfury108/bedu-jiaofu/internal/format"
	"github.com/pingfury108/bedu-jiaofu/internal/jiaofu"
	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

func (a *app) newFormatCmd() *cobra.Command {
	var math bool
	cmd := &cobra.Command{
		Use:   "format [file]",
		Short: "整理 HTML 片段（标点、段落），可选把 LaTeX 公式渲染为图片",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			out := string(data)
			if math {
				client, err := a.textbookClient()
				if err != nil {
					return err
				}
				if out, err = format.ReplaceLatex(cmd.Context(), out, client); err != nil {
					return err
				}
			} else if out, err = format.CleanHTML(out); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().BoolVar(&math, "math", false, "渲染 LaTeX 公式而不是整理格式")
	return cmd
}

func (a *app) client() (*jiaofu.Client, error) {
	if errs := a.cfg.ValidateUser(); len(errs) > 0 {
		return nil, errs[0]
	}
	return jiaofu.NewClient(a.cfg.Host(), a.cfg.UserName()), nil
}

func (a *app) newOCRCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ocr <image>",
		Short: "识别图片中的文字",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			spinner, _ := pterm.DefaultSpinner.Start("识别中...")
			text, err := client.OCR(cmd.Context(), upload.EncodeDataURI(data))
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			spinner.Success("识别完成")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
}

func (a *app) newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "检查当前用户是否有权使用插件",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			ok, err := client.CheckAvailable(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				pterm.Error.Printfln("%s: 无权使用插件", client.UserName())
				return fmt.Errorf("用户 %s 无权使用插件", client.UserName())
			}
			pterm.Success.Printfln("%s: 可以使用", client.UserName())
			return nil
		},
	}
}

func (a *app) newTabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "列出浏览器标签页",
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, closeBridge, err := a.startBridge()
			if err != nil {
				return err
			}
			defer closeBridge()

			tabs, err := bridge.ListTabs(cmd.Context())
			if err != nil {
				return err
			}
			table := pterm.TableData{{"ID", "标题", "地址"}}
			for _, t := range tabs {
				table = append(table, []string{t.ID, t.Title, t.URL})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		},
	}
}

// mask 只保留首尾各两个字符
func mask(secret string) string {
	if secret == "" {
		return ""
	}
	r := []rune(secret)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:2]) + "****" + string(r[len(r)-2:])
}

// maskSecrets 隐藏 Cookie 和模型 API Key
func maskSecrets(snap config.ConfigFile) config.ConfigFile {
	snap.Site.Cookie = mask(snap.Site.Cookie)
	snap.Models = lo.Map(snap.Models, func(m config.ModelConfig, _ int) config.ModelConfig {
		m.APIKey = mask(m.APIKey)
		return m
	})
	return snap
}

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "查看或修改配置",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "输出当前配置（含环境变量覆盖）",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(maskSecrets(a.cfg.Snapshot()))
		},
	}

	var host string
	user := &cobra.Command{
		Use:   "user <name>",
		Short: "设置插件用户名",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.SetUser(host, args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("用户名已设置为 %s", args[0])
			return nil
		},
	}
	user.Flags().StringVar(&host, "host", "", "插件服务端地址")

	cmd.AddCommand(show, user)
	return cmd
}
