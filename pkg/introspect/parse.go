package introspect

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxTextBytes bounds the visible text kept for classification.
const maxTextBytes = 64 << 10

// searchTokens are matched against name, id, role and type attributes.
var searchTokens = map[string]struct{}{
	"search": {},
	"query":  {},
	"q":      {},
}

type parser struct {
	base  *url.URL
	fp    *Fingerprint
	seen  map[string]struct{}
	text  strings.Builder
	title bool
}

// Parse builds a fingerprint from an HTML document served at base.
func Parse(r io.Reader, base *url.URL) (*Fingerprint, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	p := &parser{
		base: base,
		fp:   newFingerprint(base.String()),
		seen: make(map[string]struct{}),
	}

	p.walk(doc, -1, false)

	p.fp.PageType = classifyPage(base.String(), p.fp, p.text.String())
	p.fp.Features = identifyFeatures(p.fp, p.text.String())

	return p.fp, nil
}

// walk visits n and its descendants. formIdx is the index of the enclosing
// recorded form, or -1; inForm is true inside any form, recorded or not.
func (p *parser) walk(n *html.Node, formIdx int, inForm bool) {
	switch n.Type {
	case html.TextNode:
		p.appendText(n.Data)

		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Title:
			if !p.title {
				p.fp.Title = collapse(textContent(n))
				p.title = true
			}

			return
		case atom.Form:
			formIdx = p.visitForm(n)
			inForm = true
		case atom.Input, atom.Select, atom.Textarea:
			p.visitInput(n, formIdx, inForm)
		case atom.A:
			p.visitLink(n)
		case atom.H1, atom.H2, atom.H3:
			if heading := collapse(textContent(n)); heading != "" && len(p.fp.Headings) < MaxHeadings {
				p.fp.Headings = append(p.fp.Headings, heading)
			}
		case atom.Button:
			label := collapse(textContent(n))
			if label == "" {
				label = attr(n, "value")
			}

			p.addButton(label)
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c, formIdx, inForm)
	}
}

func (p *parser) visitForm(n *html.Node) int {
	if matchesSearch(n, "name", "id", "role") {
		p.fp.HasSearch = true
	}

	if len(p.fp.Forms) >= MaxForms {
		return -1
	}

	method := strings.ToLower(strings.TrimSpace(attr(n, "method")))
	if method == "" {
		method = "get"
	}

	p.fp.Forms = append(p.fp.Forms, Form{
		Action: p.resolveAction(attr(n, "action")),
		Method: method,
		Inputs: []Input{},
	})

	return len(p.fp.Forms) - 1
}

func (p *parser) visitInput(n *html.Node, formIdx int, inForm bool) {
	typ := "text"

	switch n.DataAtom {
	case atom.Select:
		typ = "select"
	case atom.Textarea:
		typ = "textarea"
	default:
		if t := strings.ToLower(strings.TrimSpace(attr(n, "type"))); t != "" {
			typ = t
		}
	}

	if matchesSearch(n, "name", "id", "role", "type") {
		p.fp.HasSearch = true
	}

	if typ == "password" && inForm {
		p.fp.HasLoginForm = true
	}

	if n.DataAtom == atom.Input && (typ == "submit" || typ == "button") {
		p.addButton(attr(n, "value"))
	}

	if formIdx < 0 {
		return
	}

	form := &p.fp.Forms[formIdx]
	if len(form.Inputs) >= MaxInputsPerForm {
		return
	}

	_, required := attrLookup(n, "required")

	form.Inputs = append(form.Inputs, Input{
		Name:        attr(n, "name"),
		Type:        typ,
		Required:    required,
		Placeholder: attr(n, "placeholder"),
	})
}

func (p *parser) visitLink(n *html.Node) {
	if len(p.fp.Links) >= MaxLinks {
		return
	}

	link, ok := normalizeLink(p.base, attr(n, "href"))
	if !ok {
		return
	}

	if _, dup := p.seen[link]; dup {
		return
	}

	p.seen[link] = struct{}{}
	p.fp.Links = append(p.fp.Links, link)
}

func (p *parser) addButton(label string) {
	label = collapse(label)
	if label == "" || len(p.fp.Buttons) >= MaxButtons {
		return
	}

	p.fp.Buttons = append(p.fp.Buttons, label)
}

func (p *parser) appendText(s string) {
	if p.text.Len() >= maxTextBytes {
		return
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return
	}

	p.text.WriteString(strings.ToLower(s))
	p.text.WriteByte(' ')
}

func (p *parser) resolveAction(action string) string {
	action = strings.TrimSpace(action)
	if action == "" {
		return p.base.String()
	}

	ref, err := url.Parse(action)
	if err != nil {
		return action
	}

	return p.base.ResolveReference(ref).String()
}

// normalizeLink resolves href against base and keeps http(s) targets only,
// without fragment and with a canonical trailing slash.
func normalizeLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}

	if abs.Host == "" {
		return "", false
	}

	abs.Host = strings.ToLower(abs.Host)
	abs.Fragment = ""
	abs.RawFragment = ""

	switch {
	case abs.Path == "":
		abs.Path = "/"
	case len(abs.Path) > 1:
		abs.Path = strings.TrimRight(abs.Path, "/")
		if abs.Path == "" {
			abs.Path = "/"
		}

		abs.RawPath = ""
	}

	return abs.String(), true
}

func matchesSearch(n *html.Node, keys ...string) bool {
	for _, key := range keys {
		for _, token := range tokenize(attr(n, key)) {
			if _, ok := searchTokens[token]; ok {
				return true
			}
		}
	}

	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func attr(n *html.Node, key string) string {
	v, _ := attrLookup(n, key)

	return v
}

func attrLookup(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}

	return "", false
}

func textContent(n *html.Node) string {
	var sb strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)

	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
