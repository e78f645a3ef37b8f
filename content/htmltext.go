package content

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// skippedElements never contribute text: executable, presentational, or
// boilerplate chrome around the actual page content.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"svg":      true,
	"form":     true,
	"nav":      true,
	"footer":   true,
	"header":   true,
	"aside":    true,
}

// blockElements get a newline before their content so the extracted text
// keeps the document's paragraph structure.
var blockElements = map[string]bool{
	"p":       true,
	"div":     true,
	"section": true,
	"article": true,
	"li":      true,
	"tr":      true,
	"br":      true,
	"h1":      true,
	"h2":      true,
	"h3":      true,
	"h4":      true,
	"h5":      true,
	"h6":      true,
}

// HTMLToText strips markup from an HTML document and returns readable
// text with paragraph breaks preserved.
func HTMLToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return strings.TrimSpace(src)
	}
	var sb strings.Builder
	extractText(doc, &sb, 0)
	return tidyText(sb.String())
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 100 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		if skippedElements[n.Data] {
			return
		}
		if blockElements[n.Data] {
			sb.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
}

func tidyText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
