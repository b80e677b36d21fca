package format

import (
	"fmt"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockTags 清理时统一转为 p 的块级标签
var blockTags = []string{"div", "ul", "ol", "li", "section", "article", "pre", "code"}

// CleanHTML 整理编辑区 HTML：去掉 img 以外的 style，块级元素转为 p，
// p 内只保留文本、图片和换行，文本做中文标点替换
func CleanHTML(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + fragment + "</body>"))
	if err != nil {
		return "", fmt.Errorf("解析HTML失败: %w", err)
	}
	root := doc.Find("body")

	root.Find("*").Not("img").RemoveAttr("style")
	toParagraphs(root)
	root.Find("p").Each(func(_ int, p *goquery.Selection) {
		cleanParagraph(p.Nodes[0])
	})

	out, err := root.Html()
	if err != nil {
		return "", fmt.Errorf("生成HTML失败: %w", err)
	}
	return out, nil
}

// toParagraphs 把非 p 的块级子元素改为 p，其他非 p 元素继续向下处理
func toParagraphs(sel *goquery.Selection) {
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		if name == "p" {
			return
		}
		if slices.Contains(blockTags, name) {
			n := child.Nodes[0]
			n.Data = "p"
			n.DataAtom = atom.P
			n.Attr = nil
			return
		}
		toParagraphs(child)
	})
}

func cleanParagraph(p *html.Node) {
	var kept []*html.Node
	for c := p.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			kept = append(kept, textNode(c.Data))
		case c.Type == html.ElementNode && (c.Data == "img" || c.Data == "br"):
			kept = append(kept, c)
		case c.Type == html.ElementNode:
			kept = append(kept, textNode(nodeText(c)))
		}
	}

	for c := p.FirstChild; c != nil; {
		next := c.NextSibling
		p.RemoveChild(c)
		c = next
	}
	for _, n := range kept {
		p.AppendChild(n)
	}
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: ReplacePunctuation(s)}
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
