// Package driver defines the page session a probe suite drives, independent
// of whether a real browser sits behind it.
package driver

import (
	"context"

	"github.com/kuitang/rcprobe/internal/probe"
)

// NavigateOptions control a single navigation.
type NavigateOptions struct {
	// FailOnStatusCode turns a 4xx/5xx response into an Unavailable error.
	// It is off by default: permission and error pages are still pages the
	// assertion layer can inspect.
	FailOnStatusCode bool
}

// Capture is a diagnostic artifact taken from the current page.
type Capture struct {
	ContentType string
	Ext         string
	Data        []byte
}

// Upload is a file handed to a file input.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Session is one isolated page with its own cookies.
type Session interface {
	probe.Snapshotter

	Navigate(ctx context.Context, path string, opts NavigateOptions) (probe.Document, error)
	Fill(ctx context.Context, selector, value string) error
	SetFile(ctx context.Context, selector string, file Upload) error
	Click(ctx context.Context, selector string) error
	Submit(ctx context.Context, formSelector string) error
	Capture(ctx context.Context) (Capture, error)
	// PageErrors returns uncaught script errors raised by the page itself.
	// They are informational and never fail a step.
	PageErrors() []error
	Close() error
}

// Factory opens fresh sessions, one per test case.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}
