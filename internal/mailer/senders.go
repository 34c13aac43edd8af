package mailer

import (
	"context"
	"sync"

	"github.com/resend/resend-go/v3"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
)

// ResendSender delivers through the Resend API.
type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (r *ResendSender) Send(ctx context.Context, e Email) error {
	_, err := r.client.Emails.Send(&resend.SendEmailRequest{
		From:    e.From,
		To:      []string{e.To},
		Subject: e.Subject,
		Html:    e.HTML,
	})
	if err != nil {
		return errs.Wrap(errs.Unavailable, "resend: failed to send email", err)
	}
	return nil
}

// MockSender captures emails instead of sending them.
type MockSender struct {
	mu     sync.Mutex
	Emails []Email
	// Fail, when set, is returned for recipients it reports true for.
	Fail func(to string) bool
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) Send(ctx context.Context, e Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil && m.Fail(e.To) {
		return errs.New(errs.Unavailable, "mock delivery failure")
	}
	m.Emails = append(m.Emails, e)
	obs.From(ctx).Info("mock_email_captured", "pkg", "mailer", "subject", e.Subject)
	return nil
}

// Count returns the number of captured emails.
func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Emails)
}

// Last returns the most recently captured email.
func (m *MockSender) Last() Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Emails) == 0 {
		return Email{}
	}
	return m.Emails[len(m.Emails)-1]
}
