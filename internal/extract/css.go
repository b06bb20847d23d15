package extract

import (
	"bytes"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// CSSSelect extracts the text content of the first node matching a CSS
// selector.
type CSSSelect struct {
	raw string
	sel cascadia.Sel
}

// NewCSSSelect compiles the selector.
func NewCSSSelect(selector string) (*CSSSelect, error) {
	sel, err := cascadia.Parse(selector)
	if err != nil {
		return nil, eris.Wrapf(err, "css-select: parse %q", selector)
	}
	return &CSSSelect{raw: selector, sel: sel}, nil
}

func (c *CSSSelect) Name() string { return "css-select" }

func (c *CSSSelect) Extract(raw []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", eris.Wrap(err, "css-select: parse html")
	}
	node := cascadia.Query(doc, c.sel)
	if node == nil {
		return "", &NotFoundError{Strategy: c.Name(), Detail: c.raw}
	}
	return strings.TrimSpace(nodeText(node)), nil
}

// nodeText concatenates all text nodes under n.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
