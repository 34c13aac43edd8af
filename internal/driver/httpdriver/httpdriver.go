// Package httpdriver drives server-rendered pages over plain HTTP: it keeps a
// cookie jar, parses each response into a probe document and emulates HTML
// form semantics for fill, click and submit. It cannot run page scripts.
package httpdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kuitang/rcprobe/internal/driver"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/logutil"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/probe"
)

const (
	defaultMaxPage   = 10 << 20
	defaultUserAgent = "rcprobe/1.0 (+httpdriver)"
)

// Config configures sessions created by a Factory.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
	// MaxPageBytes caps a page body; larger pages fail the load. Zero means
	// 10 MiB.
	MaxPageBytes int64
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Factory creates isolated sessions against one base URL.
type Factory struct {
	cfg  Config
	base *url.URL
}

// NewFactory validates the base URL.
func NewFactory(cfg Config) (*Factory, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("invalid base url %q", cfg.BaseURL))
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = probe.MaxTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxPageBytes <= 0 {
		cfg.MaxPageBytes = defaultMaxPage
	}
	return &Factory{cfg: cfg, base: base}, nil
}

// NewSession opens a session with an empty cookie jar.
func (f *Factory) NewSession(ctx context.Context) (driver.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "create cookie jar", err)
	}
	return &Session{
		client: &http.Client{
			Jar:       jar,
			Timeout:   f.cfg.RequestTimeout,
			Transport: f.cfg.Transport,
		},
		base:      f.base,
		userAgent: f.cfg.UserAgent,
		maxPage:   f.cfg.MaxPageBytes,
		filled:    make(map[*html.Node]string),
		files:     make(map[*html.Node]driver.Upload),
	}, nil
}

func (f *Factory) Close() error { return nil }

// Session is a single cookie-isolated page.
type Session struct {
	client    *http.Client
	base      *url.URL
	userAgent string
	maxPage   int64

	mu      sync.Mutex
	current *probe.HTMLDocument
	raw     []byte
	filled  map[*html.Node]string
	files   map[*html.Node]driver.Upload
}

// Navigate loads path (absolute or relative to the base URL).
func (s *Session) Navigate(ctx context.Context, path string, opts driver.NavigateOptions) (probe.Document, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "build request", err)
	}
	return s.do(ctx, req, opts)
}

// Snapshot returns the page currently loaded. Server-rendered pages do not
// change without a navigation, so no request is made.
func (s *Session) Snapshot(ctx context.Context) (probe.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, errs.New(errs.FailedPrecondition, "no page loaded")
	}
	return s.current, nil
}

// Fill records a value for the first matching form control.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	n, err := s.firstNode(selector)
	if err != nil {
		return err
	}
	switch n.DataAtom {
	case atom.Input, atom.Textarea, atom.Select:
	default:
		return errs.New(errs.FailedPrecondition, fmt.Sprintf("%q is a <%s>, not a form control", selector, n.Data))
	}
	s.mu.Lock()
	s.filled[n] = value
	s.mu.Unlock()
	return nil
}

// SetFile attaches a file to the first matching file input.
func (s *Session) SetFile(ctx context.Context, selector string, file driver.Upload) error {
	n, err := s.firstNode(selector)
	if err != nil {
		return err
	}
	if typ, _ := probe.NodeAttr(n, "type"); n.DataAtom != atom.Input || !strings.EqualFold(typ, "file") {
		return errs.New(errs.FailedPrecondition, fmt.Sprintf("%q is not a file input", selector))
	}
	s.mu.Lock()
	s.files[n] = file
	s.mu.Unlock()
	return nil
}

// Click follows links and submits forms through their submit buttons.
// Anything else needs a script engine and is rejected.
func (s *Session) Click(ctx context.Context, selector string) error {
	n, err := s.firstNode(selector)
	if err != nil {
		return err
	}
	if n.DataAtom == atom.A {
		href, ok := probe.NodeAttr(n, "href")
		if !ok || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return errs.New(errs.FailedPrecondition, fmt.Sprintf("link %q has no navigable href", selector))
		}
		target, err := s.resolveAgainstCurrent(href)
		if err != nil {
			return err
		}
		_, err = s.Navigate(ctx, target.String(), driver.NavigateOptions{})
		return err
	}
	if isSubmitControl(n) {
		form := enclosingForm(n)
		if form == nil {
			return errs.New(errs.FailedPrecondition, fmt.Sprintf("%q is outside any form", selector))
		}
		return s.submitForm(ctx, form, n)
	}
	return errs.New(errs.FailedPrecondition, fmt.Sprintf("%q is not clickable without a browser", selector))
}

// Submit submits the first form matching formSelector.
func (s *Session) Submit(ctx context.Context, formSelector string) error {
	n, err := s.firstNode(formSelector)
	if err != nil {
		return err
	}
	form := n
	if n.DataAtom != atom.Form {
		form = enclosingForm(n)
	}
	if form == nil {
		return errs.New(errs.FailedPrecondition, fmt.Sprintf("%q is not inside a form", formSelector))
	}
	return s.submitForm(ctx, form, nil)
}

// Capture returns the raw markup of the current page.
func (s *Session) Capture(ctx context.Context) (driver.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return driver.Capture{}, errs.New(errs.FailedPrecondition, "no page loaded")
	}
	return driver.Capture{
		ContentType: "text/html; charset=utf-8",
		Ext:         ".html",
		Data:        append([]byte(nil), s.raw...),
	}, nil
}

func (s *Session) PageErrors() []error { return nil }

func (s *Session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Session) do(ctx context.Context, req *http.Request, opts driver.NavigateOptions) (probe.Document, error) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("User-Agent", s.userAgent)

	logger := obs.From(ctx).With("pkg", "httpdriver")
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		logger.Debug("page_request_failed", "method", req.Method, "url", logutil.RedactURL(req.URL.String()), "error", err)
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("%s %s failed", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.maxPage+1))
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "read page body", err)
	}
	if int64(len(raw)) > s.maxPage {
		logger.Warn("page_too_large", "url", logutil.RedactURL(req.URL.String()), "limit_bytes", s.maxPage)
		return nil, errs.New(errs.Unavailable, fmt.Sprintf("%s %s: page exceeds %d bytes", req.Method, req.URL.Path, s.maxPage))
	}
	finalURL := resp.Request.URL.String()
	doc, err := probe.ParseHTML(finalURL, resp.StatusCode, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	logger.Debug("page_loaded",
		"method", req.Method,
		"url", logutil.RedactURL(finalURL),
		"status", resp.StatusCode,
		"bytes", len(raw),
		"dur_ms", time.Since(start).Milliseconds(),
	)

	s.mu.Lock()
	s.current = doc
	s.raw = raw
	clear(s.filled)
	clear(s.files)
	s.mu.Unlock()

	if opts.FailOnStatusCode && resp.StatusCode >= 400 {
		return doc, errs.New(errs.Unavailable, fmt.Sprintf("%s %s returned %d", req.Method, req.URL.Path, resp.StatusCode))
	}
	return doc, nil
}

func (s *Session) firstNode(selector string) (*html.Node, error) {
	s.mu.Lock()
	doc := s.current
	s.mu.Unlock()
	if doc == nil {
		return nil, errs.New(errs.FailedPrecondition, "no page loaded")
	}
	nodes, err := doc.FindNodes(selector)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("no element matches %q", selector))
	}
	return nodes[0], nil
}

func (s *Session) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid path %q", path), err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	joined := *s.base
	p := ref.Path
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	joined.Path = strings.TrimRight(s.base.Path, "/") + p
	joined.RawQuery = ref.RawQuery
	joined.Fragment = ""
	return &joined, nil
}

func (s *Session) resolveAgainstCurrent(ref string) (*url.URL, error) {
	s.mu.Lock()
	doc := s.current
	s.mu.Unlock()
	current, err := url.Parse(doc.URL())
	if err != nil {
		return s.resolve(ref)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid href %q", ref), err)
	}
	return current.ResolveReference(r), nil
}

func (s *Session) submitForm(ctx context.Context, form, submitter *html.Node) error {
	s.mu.Lock()
	fields, uploads := collectFields(form, submitter, s.filled, s.files)
	s.mu.Unlock()

	method := strings.ToUpper(attrOr(form, "method", http.MethodGet))
	action := attrOr(form, "action", "")
	target, err := s.resolveAgainstCurrent(action)
	if err != nil {
		return err
	}

	logger := obs.From(ctx).With("pkg", "httpdriver")
	logger.Debug("form_submit", "method", method, "action", target.Path, "fields", logutil.FormatFormForLog(fields))

	var req *http.Request
	switch {
	case method != http.MethodPost:
		target.RawQuery = fields.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	case strings.EqualFold(attrOr(form, "enctype", ""), "multipart/form-data") || len(uploads) > 0:
		var body bytes.Buffer
		contentType, encErr := encodeMultipart(&body, fields, uploads)
		if encErr != nil {
			return encErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.String(), &body)
		if err == nil {
			req.Header.Set("Content-Type", contentType)
		}
	default:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(fields.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "build form request", err)
	}
	_, err = s.do(ctx, req, driver.NavigateOptions{})
	return err
}

type namedUpload struct {
	field string
	file  driver.Upload
}

func collectFields(form, submitter *html.Node, filled map[*html.Node]string, files map[*html.Node]driver.Upload) (url.Values, []namedUpload) {
	values := url.Values{}
	var uploads []namedUpload

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			name, hasName := probe.NodeAttr(n, "name")
			_, disabled := probe.NodeAttr(n, "disabled")
			if hasName && name != "" && !disabled {
				switch n.DataAtom {
				case atom.Input:
					typ, _ := probe.NodeAttr(n, "type")
					switch strings.ToLower(typ) {
					case "submit", "button", "image", "reset":
					case "file":
						if f, ok := files[n]; ok {
							uploads = append(uploads, namedUpload{field: name, file: f})
						}
					case "checkbox", "radio":
						v, ok := filled[n]
						_, checked := probe.NodeAttr(n, "checked")
						if (ok && v != "" && v != "false") || (!ok && checked) {
							values.Add(name, attrOr(n, "value", "on"))
						}
					default:
						if v, ok := filled[n]; ok {
							values.Add(name, v)
						} else {
							values.Add(name, attrOr(n, "value", ""))
						}
					}
				case atom.Textarea:
					if v, ok := filled[n]; ok {
						values.Add(name, v)
					} else {
						values.Add(name, textContent(n))
					}
				case atom.Select:
					if v, ok := filled[n]; ok {
						values.Add(name, v)
					} else if v, ok := selectedOption(n); ok {
						values.Add(name, v)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)

	if submitter != nil {
		if name, ok := probe.NodeAttr(submitter, "name"); ok && name != "" {
			values.Add(name, attrOr(submitter, "value", ""))
		}
	}
	return values, uploads
}

func encodeMultipart(w io.Writer, fields url.Values, uploads []namedUpload) (string, error) {
	mw := multipart.NewWriter(w)
	for k, vs := range fields {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				return "", errs.Wrap(errs.Internal, "write form field", err)
			}
		}
	}
	for _, u := range uploads {
		ct := u.file.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, u.field, u.file.Name))
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return "", errs.Wrap(errs.Internal, "create form file", err)
		}
		if _, err := part.Write(u.file.Data); err != nil {
			return "", errs.Wrap(errs.Internal, "write form file", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", errs.Wrap(errs.Internal, "close multipart body", err)
	}
	return mw.FormDataContentType(), nil
}

func isSubmitControl(n *html.Node) bool {
	typ, hasType := probe.NodeAttr(n, "type")
	switch n.DataAtom {
	case atom.Button:
		return !hasType || strings.EqualFold(typ, "submit")
	case atom.Input:
		return strings.EqualFold(typ, "submit") || strings.EqualFold(typ, "image")
	}
	return false
}

func enclosingForm(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Form {
			return p
		}
	}
	return nil
}

func selectedOption(sel *html.Node) (string, bool) {
	var first *html.Node
	var chosen *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Option {
			if first == nil {
				first = n
			}
			if _, ok := probe.NodeAttr(n, "selected"); ok && chosen == nil {
				chosen = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	if chosen == nil {
		chosen = first
	}
	if chosen == nil {
		return "", false
	}
	if v, ok := probe.NodeAttr(chosen, "value"); ok {
		return v, true
	}
	return strings.TrimSpace(textContent(chosen)), true
}

func textContent(n *html.Node) string {
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

func attrOr(n *html.Node, name, fallback string) string {
	if v, ok := probe.NodeAttr(n, name); ok {
		return v
	}
	return fallback
}
