package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pingfury108/bedu-jiaofu/internal/textbook"
)

// parseFields 解析 key=value 参数，value 是合法 JSON 时按 JSON 取值，否则作为字符串
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("参数格式应为 key=value: %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		fields[key] = v
	}
	return fields, nil
}

func (a *app) textbookClient() (*textbook.Client, error) {
	site := a.cfg.Snapshot().Site
	return textbook.NewClient(site.BaseURL, site.Cookie)
}

func (a *app) newBookCmd() *cobra.Command {
	var pageURL string
	cmd := &cobra.Command{
		Use:   "book",
		Short: "查看或修改教辅基本信息（直连后台接口）",
	}
	cmd.PersistentFlags().StringVar(&pageURL, "page-url", "", "教辅编辑页面地址")

	printJSON := func(cmd *cobra.Command, v any) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "输出教辅基本信息",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := textbook.ParsePageURL(pageURL)
			if err != nil {
				return err
			}
			client, err := a.textbookClient()
			if err != nil {
				return err
			}
			info, err := client.TextbookInfo(cmd.Context(), ref.TextbookID)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}

	set := &cobra.Command{
		Use:   "set <key=value...>",
		Short: "修改教辅基本信息中的字段并保存",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args)
			if err != nil {
				return err
			}
			ref, err := textbook.ParsePageURL(pageURL)
			if err != nil {
				return err
			}
			client, err := a.textbookClient()
			if err != nil {
				return err
			}
			info, err := client.UpdateBookInfo(cmd.Context(), ref.TextbookID, fields)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("教辅 %s 已保存", ref.TextbookID)
			return printJSON(cmd, info)
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}
