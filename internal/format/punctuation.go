// Package format 提供编辑区内容的整理：HTML 清理、中文标点替换、LaTeX 转图片、插入字符转义与快捷键匹配。
package format

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	mathRegex        = regexp.MustCompile(`\$([^$]+)\$`)
	placeholderRegex = regexp.MustCompile(`\{\{math(\d+)\}\}`)
	digitParenRegex  = regexp.MustCompile(`\((\d)\)`)

	halfToFull = strings.NewReplacer(
		",", "，",
		"?", "？",
		"!", "！",
		";", "；",
	)
)

// ReplacePunctuation 把英文标点替换为中文标点，$...$ 中的公式保持不变
func ReplacePunctuation(text string) string {
	var maths []string
	text = mathRegex.ReplaceAllStringFunc(text, func(m string) string {
		maths = append(maths, m)
		return fmt.Sprintf("{{math%d}}", len(maths)-1)
	})

	text = strings.ReplaceAll(text, " ", "")
	text = halfToFull.Replace(text)
	if s, ok := strings.CutSuffix(text, "."); ok {
		text = s + "。"
	}
	if s, ok := strings.CutSuffix(text, ":"); ok {
		text = s + "："
	}

	text = strings.ReplaceAll(text, "()", "（ ）")
	text = strings.ReplaceAll(text, "（）", "（ ）")
	text = replaceDigitParens(text)
	text = replaceColons(text)

	return placeholderRegex.ReplaceAllStringFunc(text, func(m string) string {
		var i int
		if _, err := fmt.Sscanf(m, "{{math%d}}", &i); err != nil || i >= len(maths) {
			return m
		}
		return maths[i]
	})
}

// replaceDigitParens (1) 后面不是数字或运算符时替换为（1）
func replaceDigitParens(text string) string {
	var b strings.Builder
	last := 0
	for _, m := range digitParenRegex.FindAllStringSubmatchIndex(text, -1) {
		if m[1] < len(text) && strings.IndexByte("0123456789+-*/", text[m[1]]) >= 0 {
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString("（" + text[m[2]:m[3]] + "）")
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func isHan(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fa5
}

// replaceColons 汉字之间或右括号之后的英文冒号替换为中文冒号
func replaceColons(text string) string {
	if !strings.Contains(text, ":") {
		return text
	}
	runes := []rune(text)
	out := make([]rune, len(runes))
	copy(out, runes)
	for i, r := range runes {
		if r != ':' || i == 0 {
			continue
		}
		prev := runes[i-1]
		if prev == ')' || prev == '）' {
			out[i] = '：'
			continue
		}
		if i+1 < len(runes) && isHan(prev) && isHan(runes[i+1]) {
			out[i] = '：'
		}
	}
	return string(out)
}

// HTMLEntities 把要插入编辑区的字符转为 HTML 实体
func HTMLEntities(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#39;")
		case ' ':
			b.WriteString("&nbsp;")
		case '\n':
			b.WriteString("<br>")
		case '\t':
			b.WriteString("&nbsp;&nbsp;&nbsp;&nbsp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
