// Package pwdriver runs sessions in headless Chromium through playwright-go,
// for pages that only render client-side.
package pwdriver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/rcprobe/internal/driver"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/logutil"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/probe"
)

// Config configures the browser launch and per-page timeouts.
type Config struct {
	BaseURL  string
	Headless bool
	// ActionTimeout bounds a single navigation or interaction.
	ActionTimeout time.Duration
}

// Factory owns one playwright driver and one browser; each session is a
// fresh browser context, so cookies and storage never leak between cases.
type Factory struct {
	cfg     Config
	base    *url.URL
	pw      *playwright.Playwright
	browser playwright.Browser
	mu      sync.Mutex
}

// Launch starts playwright and Chromium. It fails with Unavailable when the
// driver or browser binaries are not installed.
func Launch(cfg Config) (*Factory, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("invalid base url %q", cfg.BaseURL))
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = probe.MaxTimeout
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "playwright not available", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, "could not launch browser", err)
	}
	obs.Pkg("pwdriver").Info("browser_launched", "headless", cfg.Headless, "version", browser.Version())
	return &Factory{cfg: cfg, base: base, pw: pw, browser: browser}, nil
}

func (f *Factory) timeoutMS() float64 {
	return float64(f.cfg.ActionTimeout.Milliseconds())
}

// NewSession opens a new browser context and page.
func (f *Factory) NewSession(ctx context.Context) (driver.Session, error) {
	f.mu.Lock()
	browser := f.browser
	f.mu.Unlock()
	if browser == nil {
		return nil, errs.New(errs.FailedPrecondition, "browser closed")
	}

	bctx, err := browser.NewContext()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "could not create browser context", err)
	}
	bctx.SetDefaultTimeout(f.timeoutMS())
	bctx.SetDefaultNavigationTimeout(f.timeoutMS())

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, errs.Wrap(errs.Unavailable, "could not create page", err)
	}

	s := &Session{factory: f, bctx: bctx, page: page}
	logger := obs.From(ctx).With("pkg", "pwdriver")
	// Uncaught page exceptions are recorded and logged, never raised.
	page.OnPageError(func(pageErr error) {
		s.mu.Lock()
		s.pageErrors = append(s.pageErrors, pageErr)
		s.mu.Unlock()
		logger.Warn("page_error_suppressed", "url", logutil.RedactURL(page.URL()), "error", pageErr)
	})
	return s, nil
}

// Close shuts down the browser and the playwright driver.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	if f.browser != nil {
		if err := f.browser.Close(); err != nil {
			firstErr = err
		}
		f.browser = nil
	}
	if f.pw != nil {
		if err := f.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.pw = nil
	}
	if firstErr != nil {
		return errs.Wrap(errs.Internal, "shutdown browser", firstErr)
	}
	return nil
}

// Session is one browser context with a single page.
type Session struct {
	factory *Factory
	bctx    playwright.BrowserContext
	page    playwright.Page

	mu         sync.Mutex
	status     int
	pageErrors []error
}

func (s *Session) resolve(path string) string {
	if ref, err := url.Parse(path); err == nil && ref.IsAbs() {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.factory.base.String() + path
}

// Navigate loads path and waits for DOMContentLoaded.
func (s *Session) Navigate(ctx context.Context, path string, opts driver.NavigateOptions) (probe.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := s.resolve(path)
	resp, err := s.page.Goto(target, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(s.factory.timeoutMS()),
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("navigate to %s", path), err)
	}
	status := 0
	if resp != nil {
		status = resp.Status()
	}
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	obs.From(ctx).Debug("page_loaded", "pkg", "pwdriver", "url", logutil.RedactURL(target), "status", status)

	doc, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if opts.FailOnStatusCode && status >= 400 {
		return doc, errs.New(errs.Unavailable, fmt.Sprintf("GET %s returned %d", path, status))
	}
	return doc, nil
}

// Snapshot serializes the live DOM. Client-rendered content shows up here as
// soon as the page has rendered it.
func (s *Session) Snapshot(ctx context.Context) (probe.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := s.page.Content()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "read page content", err)
	}
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	return probe.ParseHTMLString(s.page.URL(), status, content)
}

func (s *Session) first(selector string) (playwright.Locator, error) {
	if err := probe.ValidateSelector(selector); err != nil {
		return nil, err
	}
	return s.page.Locator(selector).First(), nil
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	loc, err := s.first(selector)
	if err != nil {
		return err
	}
	if err := loc.Fill(value); err != nil {
		return errs.Wrap(errs.FailedPrecondition, fmt.Sprintf("fill %q", selector), err)
	}
	return nil
}

func (s *Session) SetFile(ctx context.Context, selector string, file driver.Upload) error {
	loc, err := s.first(selector)
	if err != nil {
		return err
	}
	err = loc.SetInputFiles([]playwright.InputFile{{
		Name:     file.Name,
		MimeType: file.ContentType,
		Buffer:   file.Data,
	}})
	if err != nil {
		return errs.Wrap(errs.FailedPrecondition, fmt.Sprintf("set file on %q", selector), err)
	}
	return nil
}

// Click clicks the first match and waits for any resulting navigation to
// reach DOMContentLoaded.
func (s *Session) Click(ctx context.Context, selector string) error {
	loc, err := s.first(selector)
	if err != nil {
		return err
	}
	if err := loc.Click(); err != nil {
		return errs.Wrap(errs.FailedPrecondition, fmt.Sprintf("click %q", selector), err)
	}
	s.settle(ctx, "click "+selector)
	return nil
}

// Submit calls requestSubmit on the matched form, running its validation
// and submit handlers like a user would.
func (s *Session) Submit(ctx context.Context, formSelector string) error {
	loc, err := s.first(formSelector)
	if err != nil {
		return err
	}
	_, err = loc.Evaluate(`el => (el.tagName === "FORM" ? el : el.form || el.closest("form")).requestSubmit()`, nil)
	if err != nil {
		return errs.Wrap(errs.FailedPrecondition, fmt.Sprintf("submit %q", formSelector), err)
	}
	s.settle(ctx, "submit "+formSelector)
	return nil
}

func (s *Session) settle(ctx context.Context, action string) {
	logSettle(ctx, action, s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State: playwright.LoadStateDomcontentloaded,
	}))
}

// logSettle records a load-state wait that did not finish. The action itself
// went through, so the next check decides whether the page is usable.
func logSettle(ctx context.Context, action string, err error) {
	if err != nil {
		obs.From(ctx).Warn("load_state_wait_failed", "pkg", "pwdriver", "action", action, "error", err)
	}
}

// Capture takes a full-page PNG screenshot.
func (s *Session) Capture(ctx context.Context) (driver.Capture, error) {
	data, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	})
	if err != nil {
		return driver.Capture{}, errs.Wrap(errs.Unavailable, "screenshot", err)
	}
	return driver.Capture{ContentType: "image/png", Ext: ".png", Data: data}, nil
}

func (s *Session) PageErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.pageErrors...)
}

func (s *Session) Close() error {
	if err := s.bctx.Close(); err != nil {
		return errs.Wrap(errs.Internal, "close browser context", err)
	}
	return nil
}
