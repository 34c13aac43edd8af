// Package probe evaluates resilient, selector-based assertions against
// snapshots of live web pages.
//
// A check never depends on one exact piece of markup: callers pass several
// candidate selectors or text patterns and an optional minimum body length,
// and Eventually polls page snapshots until one of them holds or the window
// closes.
package probe

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kuitang/rcprobe/internal/errs"
)

// Element is one node matched by a selector.
type Element interface {
	Tag() string
	Text() string
	Attr(name string) (string, bool)
}

// Document is a point-in-time view of a loaded page.
type Document interface {
	URL() string
	// Status is the HTTP status of the navigation that produced the page,
	// or 0 when the driver cannot observe it.
	Status() int
	Find(selector string) ([]Element, error)
	BodyText() string
}

// HTMLDocument is a Document backed by a parsed HTML tree.
type HTMLDocument struct {
	url    string
	status int
	root   *html.Node

	bodyOnce sync.Once
	body     string
}

// ParseHTML parses markup into a Document.
func ParseHTML(pageURL string, status int, r io.Reader) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "parse page html", err)
	}
	return &HTMLDocument{url: pageURL, status: status, root: root}, nil
}

// ParseHTMLString is ParseHTML for in-memory markup.
func ParseHTMLString(pageURL string, status int, markup string) (*HTMLDocument, error) {
	return ParseHTML(pageURL, status, strings.NewReader(markup))
}

func (d *HTMLDocument) URL() string { return d.url }
func (d *HTMLDocument) Status() int { return d.status }

// Root exposes the parsed tree to drivers that need to walk forms.
func (d *HTMLDocument) Root() *html.Node { return d.root }

// Find returns every element matching a CSS selector group.
func (d *HTMLDocument) Find(selector string) ([]Element, error) {
	nodes, err := d.FindNodes(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, len(nodes))
	for i, n := range nodes {
		out[i] = NodeElement{Node: n}
	}
	return out, nil
}

// FindNodes is Find without the Element wrapper.
func (d *HTMLDocument) FindNodes(selector string) ([]*html.Node, error) {
	sel, err := compileSelector(selector)
	if err != nil {
		return nil, err
	}
	return sel.MatchAll(d.root), nil
}

// BodyText returns the visible text of <body>, whitespace collapsed.
func (d *HTMLDocument) BodyText() string {
	d.bodyOnce.Do(func() {
		body := findFirst(d.root, atom.Body)
		if body == nil {
			body = d.root
		}
		d.body = collapseSpace(textOf(body))
	})
	return d.body
}

// NodeElement adapts an html.Node to Element.
type NodeElement struct {
	Node *html.Node
}

func (e NodeElement) Tag() string { return e.Node.Data }

func (e NodeElement) Text() string { return collapseSpace(textOf(e.Node)) }

func (e NodeElement) Attr(name string) (string, bool) {
	return NodeAttr(e.Node, name)
}

// NodeAttr looks up an attribute case-insensitively.
func NodeAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

var selectorCache sync.Map // string -> cascadia.Selector

func compileSelector(selector string) (cascadia.Selector, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, errs.New(errs.InvalidArgument, "empty selector")
	}
	if cached, ok := selectorCache.Load(selector); ok {
		return cached.(cascadia.Selector), nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid selector %q", selector), err)
	}
	selectorCache.Store(selector, sel)
	return sel, nil
}

// ValidateSelector reports whether selector parses.
func ValidateSelector(selector string) error {
	_, err := compileSelector(selector)
	return err
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

// textOf concatenates descendant text, skipping non-rendered containers.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
				return
			}
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
