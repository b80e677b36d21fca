package format

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/pingfury108/bedu-jiaofu/internal/textbook"
)

// MathRenderer 把 LaTeX 表达式渲染为图片，*textbook.Client 即是一种实现
type MathRenderer interface {
	GenExprPic(ctx context.Context, expr string) (textbook.MathImage, error)
}

var latexDelims = strings.NewReplacer(`\(`, "$", `\)`, "$", `\[`, "$", `\]`, "$")

var entityDecoder = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", `"`,
	"&apos;", "'",
	"&nbsp;", " ",
	"&copy;", "©",
	"&reg;", "®",
	"&euro;", "€",
	"&yen;", "¥",
)

// ReplaceLatex 把文本中的 $...$、\(...\)、\[...\] 公式替换为公式图片
func ReplaceLatex(ctx context.Context, text string, r MathRenderer) (string, error) {
	text = latexDelims.Replace(text)

	var b strings.Builder
	last := 0
	for _, m := range mathRegex.FindAllStringSubmatchIndex(text, -1) {
		expr := entityDecoder.Replace(text[m[2]:m[3]])
		img, err := r.GenExprPic(ctx, expr)
		if err != nil {
			return "", fmt.Errorf("公式 %q 转图片失败: %w", expr, err)
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(MathImageTag(img))
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// MathImageTag 生成公式图片的 img 标签
func MathImageTag(img textbook.MathImage) string {
	w, h := strconv.Itoa(img.Width), strconv.Itoa(img.Height)
	return `<img src="` + html.EscapeString(img.URL) +
		`" style="width: ` + w + `px;height: ` + h + `px;"` +
		` data-math="` + html.EscapeString(img.ExprEncode) +
		`" data-width="` + w + `" data-height="` + h + `">`
}
