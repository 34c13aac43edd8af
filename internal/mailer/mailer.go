// Package mailer sends the admin newsletter: a sanitized HTML body with
// per-recipient placeholders, delivered through a Sender.
package mailer

import (
	"context"
	"fmt"
	"html"
	"net/mail"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/validate"
)

// UnsubscribePlaceholder must appear in every newsletter body.
const UnsubscribePlaceholder = "[unsubscribe]"

// Email is one outgoing message.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Sender delivers a single email.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

// Recipient is a subscribed user.
type Recipient struct {
	UserID string
	Name   string
	Email  string
}

// Recipients lists the users a newsletter goes to.
type Recipients interface {
	Subscribed(ctx context.Context) ([]Recipient, error)
}

// Message is the mailer form as submitted.
type Message struct {
	From    string
	Subject string
	Body    string
	// DryRun sends only to From.
	DryRun bool
}

// Result summarizes a send.
type Result struct {
	Sent   int
	Failed int
}

// Validate checks the form and returns the sanitized body.
func Validate(m Message) (string, error) {
	var problems validate.Errors
	if strings.TrimSpace(m.From) == "" {
		problems.Required("from", "From")
	} else if _, err := mail.ParseAddress(m.From); err != nil {
		problems.Add("from", "From %q is not a valid email address", m.From)
	}
	if strings.TrimSpace(m.Subject) == "" {
		problems.Required("subject", "Subject")
	}
	body := strings.TrimSpace(m.Body)
	switch {
	case body == "":
		problems.Required("body", "Body")
	case !strings.Contains(body, UnsubscribePlaceholder):
		problems.Add("body", "You must provide the %s link in the body", UnsubscribePlaceholder)
	}
	if err := problems.Err(); err != nil {
		return "", err
	}
	return bluemonday.UGCPolicy().Sanitize(body), nil
}

// Service renders and sends newsletters.
type Service struct {
	sender     Sender
	recipients Recipients
	siteURL    string
}

func NewService(sender Sender, recipients Recipients, siteURL string) *Service {
	return &Service{sender: sender, recipients: recipients, siteURL: strings.TrimRight(siteURL, "/")}
}

// Render fills the placeholders for one recipient.
func (s *Service) Render(body string, r Recipient) string {
	first, last, _ := strings.Cut(r.Name, " ")
	link := fmt.Sprintf(`<a href="%s/mailer/unsubscribe/%s">unsubscribe</a>`, s.siteURL, url.PathEscape(r.UserID))
	return strings.NewReplacer(
		UnsubscribePlaceholder, link,
		"[name]", html.EscapeString(r.Name),
		"[fname]", html.EscapeString(first),
		"[lname]", html.EscapeString(last),
		"[email]", html.EscapeString(r.Email),
	).Replace(body)
}

// Send validates m and delivers it to every subscribed recipient. Individual
// delivery failures are counted, not returned.
func (s *Service) Send(ctx context.Context, m Message) (Result, error) {
	body, err := Validate(m)
	if err != nil {
		return Result{}, err
	}
	logger := obs.From(ctx).With("pkg", "mailer")

	var to []Recipient
	if m.DryRun {
		to = []Recipient{{UserID: "dry-run", Name: "Dry Run", Email: m.From}}
	} else {
		to, err = s.recipients.Subscribed(ctx)
		if err != nil {
			return Result{}, errs.Wrap(errs.CodeOf(err), "list recipients", err)
		}
	}

	var res Result
	for _, r := range to {
		err := s.sender.Send(ctx, Email{
			From:    m.From,
			To:      r.Email,
			Subject: m.Subject,
			HTML:    s.Render(body, r),
		})
		if err != nil {
			res.Failed++
			logger.Warn("mail_send_failed", "user_id", r.UserID, "error", err)
			continue
		}
		res.Sent++
	}
	logger.Info("newsletter_sent", "sent", res.Sent, "failed", res.Failed, "dry_run", m.DryRun)
	return res, nil
}
