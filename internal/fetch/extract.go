package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content is never readable text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true, // title is read separately
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// extractHTML parses HTML and returns the title and the readable
// paragraphs, one per block element.
func extractHTML(raw string) (string, []string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", stripTags(raw)
	}

	p := &paragrapher{}
	p.walk(doc)
	p.flush()
	return strings.TrimSpace(findTitle(doc)), p.out
}

// paragrapher accumulates inline text and cuts a paragraph at every
// block boundary.
type paragrapher struct {
	cur strings.Builder
	out []string
}

func (p *paragrapher) flush() {
	if text := strings.Join(strings.Fields(p.cur.String()), " "); text != "" {
		p.out = append(p.out, text)
	}
	p.cur.Reset()
}

func (p *paragrapher) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) {
			p.flush()
			defer p.flush()
		}
		if n.DataAtom == atom.Br {
			p.cur.WriteString(" ")
		}
	case html.TextNode:
		p.cur.WriteString(n.Data)
		p.cur.WriteString(" ")
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

// findTitle walks the DOM looking for a <title> element.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return textContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// textContent returns concatenated text of all children.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

// isBlockElement returns true for elements that typically render as blocks.
func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Li, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// stripTags is the fallback when the document does not parse: every
// text token becomes its own paragraph.
func stripTags(s string) []string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var out []string
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return out
		case html.TextToken:
			if t := strings.Join(strings.Fields(tokenizer.Token().Data), " "); t != "" {
				out = append(out, t)
			}
		}
	}
}
