// Package suite runs linear UI cases against a page session: each case opens
// a fresh session, runs its steps in order and fails on the first step that
// errors.
package suite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/rcprobe/internal/driver"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/probe"
	"github.com/kuitang/rcprobe/internal/twofactor"
)

// Suite is a named group of cases sharing BeforeEach steps.
type Suite struct {
	Name        string
	Description string
	BeforeEach  []Step
	Cases       []Case
}

// Case is an atomic unit: it passes only if every step passes.
type Case struct {
	Name  string
	Steps []Step
}

// Step is one action or assertion inside a case.
type Step struct {
	Name string
	run  func(ctx context.Context, env *Env) (string, error)
}

// Do builds a custom step. The returned string is recorded as the step detail.
func Do(name string, fn func(ctx context.Context, env *Env) (string, error)) Step {
	return Step{Name: name, run: fn}
}

// Credentials identify the account a Login step signs in with.
type Credentials struct {
	Username string
	Password string
	// TOTPSecret answers a second-factor prompt when one appears.
	TOTPSecret string
	// TOTPLookahead is how many steps past the clock a code may be sent
	// for; keep it within the server's accepted drift. Zero means
	// twofactor.DefaultMaxDelta.
	TOTPLookahead int
}

// LoginForm describes where the sign-in controls live.
type LoginForm struct {
	Path     string
	Username []string
	Password []string
	Submit   []string
	TOTP     []string
	// Success must hold after signing in.
	Success probe.Check
}

// DefaultLoginForm matches the stock Rocket.Chat sign-in page and common
// variants of it.
var DefaultLoginForm = LoginForm{
	Path:     "/login",
	Username: []string{`input[name="emailOrUsername"]`, `input[name="username"]`, `input[type="email"]`},
	Password: []string{`input[name="password"]`, `input[type="password"]`},
	Submit:   []string{`button.login`, `button[type="submit"]`, `input[type="submit"]`},
	TOTP:     []string{`input[name="twoFactorCode"]`, `input[name="totp"]`},
	Success:  probe.Absent(`input[type="password"]`),
}

// Env is the per-case state a step sees.
type Env struct {
	Session     driver.Session
	Options     probe.Options
	Credentials Credentials
	// OptionalWait bounds how long Optional looks for its control.
	OptionalWait time.Duration

	save  func(ctx context.Context, name string, c driver.Capture) (string, error)
	saved []string
}

// Visit navigates to path. Non-2xx responses still load the page.
func Visit(path string) Step {
	return Step{Name: "visit " + path, run: func(ctx context.Context, env *Env) (string, error) {
		doc, err := env.Session.Navigate(ctx, path, driver.NavigateOptions{})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("status %d at %s", doc.Status(), doc.URL()), nil
	}}
}

// VisitStrict navigates to path and fails on a 4xx/5xx response.
func VisitStrict(path string) Step {
	return Step{Name: "visit " + path + " (strict)", run: func(ctx context.Context, env *Env) (string, error) {
		doc, err := env.Session.Navigate(ctx, path, driver.NavigateOptions{FailOnStatusCode: true})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("status %d", doc.Status()), nil
	}}
}

// Expect polls until check holds within the environment's window.
func Expect(check probe.Check) Step {
	return ExpectWithin(check, 0)
}

// ExpectWithin is Expect with its own timeout; zero uses the default.
func ExpectWithin(check probe.Check, timeout time.Duration) Step {
	return Step{Name: "expect " + check.Describe(), run: func(ctx context.Context, env *Env) (string, error) {
		opts := env.Options
		if timeout > 0 {
			opts.Timeout = timeout
		}
		got, err := probe.Eventually(ctx, env.Session, check, opts)
		if err != nil {
			return got.Detail, err
		}
		return got.Detail, nil
	}}
}

// waitFor resolves the first selector from candidates that appears on the
// page within the window.
func waitFor(ctx context.Context, env *Env, candidates []string) (string, error) {
	got, err := probe.Eventually(ctx, env.Session, probe.Exists(candidates...), env.Options)
	if err != nil {
		return "", err
	}
	return got.Value, nil
}

// Fill waits for the first matching control and types value into it.
func Fill(value string, selectors ...string) Step {
	return Step{Name: "fill " + strings.Join(selectors, " | "), run: func(ctx context.Context, env *Env) (string, error) {
		sel, err := waitFor(ctx, env, selectors)
		if err != nil {
			return "", err
		}
		return sel, env.Session.Fill(ctx, sel, value)
	}}
}

// Upload waits for a file input and attaches file.
func Upload(file driver.Upload, selectors ...string) Step {
	return Step{Name: "upload " + file.Name, run: func(ctx context.Context, env *Env) (string, error) {
		sel, err := waitFor(ctx, env, selectors)
		if err != nil {
			return "", err
		}
		return sel, env.Session.SetFile(ctx, sel, file)
	}}
}

// Click waits for the first matching element and clicks it.
func Click(selectors ...string) Step {
	return Step{Name: "click " + strings.Join(selectors, " | "), run: func(ctx context.Context, env *Env) (string, error) {
		sel, err := waitFor(ctx, env, selectors)
		if err != nil {
			return "", err
		}
		return sel, env.Session.Click(ctx, sel)
	}}
}

// Submit submits the first matching form.
func Submit(selectors ...string) Step {
	return Step{Name: "submit " + strings.Join(selectors, " | "), run: func(ctx context.Context, env *Env) (string, error) {
		sel, err := waitFor(ctx, env, selectors)
		if err != nil {
			return "", err
		}
		return sel, env.Session.Submit(ctx, sel)
	}}
}

// Optional runs steps only if check holds: "interact if the control exists,
// otherwise log and continue". A missing control is never a failure.
func Optional(check probe.Check, steps ...Step) Step {
	return Step{Name: "if " + check.Describe(), run: func(ctx context.Context, env *Env) (string, error) {
		wait := env.OptionalWait
		if wait <= 0 {
			wait = 2 * time.Second
		}
		_, err := probe.Eventually(ctx, env.Session, check, probe.Options{Timeout: wait, Interval: env.Options.Interval})
		if probe.IsAssertion(err) {
			obs.From(ctx).Info("optional_control_absent", "pkg", "suite", "check", check.Describe())
			return "skipped: control not present", nil
		}
		if err != nil {
			return "", err
		}
		var details []string
		for _, s := range steps {
			detail, err := s.run(ctx, env)
			if err != nil {
				return detail, fmt.Errorf("%s: %w", s.Name, err)
			}
			details = append(details, s.Name)
		}
		return "ran: " + strings.Join(details, "; "), nil
	}}
}

// Login signs in through the default login form. Zero credentials use the
// runner's configured admin account.
func Login(creds Credentials) Step {
	return LoginWith(DefaultLoginForm, creds)
}

// LoginWith signs in through a custom form description.
func LoginWith(form LoginForm, creds Credentials) Step {
	return Step{Name: "login", run: func(ctx context.Context, env *Env) (string, error) {
		// Steps are shared between runners; never write back to creds.
		creds := creds
		if creds.Username == "" {
			creds = env.Credentials
		}
		if creds.Username == "" {
			return "", errs.New(errs.InvalidArgument, "login requires a username")
		}
		if _, err := env.Session.Navigate(ctx, form.Path, driver.NavigateOptions{}); err != nil {
			return "", err
		}
		steps := []Step{
			Fill(creds.Username, form.Username...),
			Fill(creds.Password, form.Password...),
			Click(form.Submit...),
		}
		if creds.TOTPSecret != "" && len(form.TOTP) > 0 {
			steps = append(steps, Optional(probe.Exists(form.TOTP...), totpStep(creds, form)))
		}
		if form.Success != nil {
			steps = append(steps, Expect(form.Success))
		}
		for _, s := range steps {
			if _, err := s.run(ctx, env); err != nil {
				return "", fmt.Errorf("login: %s: %w", s.Name, err)
			}
		}
		return "signed in as " + creds.Username, nil
	}}
}

func totpStep(creds Credentials, form LoginForm) Step {
	lookahead := creds.TOTPLookahead
	if lookahead == 0 {
		lookahead = twofactor.DefaultMaxDelta
	}
	return Step{Name: "enter two-factor code", run: func(ctx context.Context, env *Env) (string, error) {
		code, err := loginCodes.next(ctx, creds.TOTPSecret, lookahead)
		if err != nil {
			return "", err
		}
		sel, err := waitFor(ctx, env, form.TOTP)
		if err != nil {
			return "", err
		}
		if err := env.Session.Fill(ctx, sel, code); err != nil {
			return "", err
		}
		return "", env.Session.Submit(ctx, sel)
	}}
}

// Capture stores a diagnostic artifact of the current page.
func Capture(name string) Step {
	return Step{Name: "capture " + name, run: func(ctx context.Context, env *Env) (string, error) {
		c, err := env.Session.Capture(ctx)
		if err != nil {
			return "", err
		}
		loc, err := env.store(ctx, name, c)
		if err != nil {
			return "", err
		}
		return loc, nil
	}}
}

// Log records a message in the case log and the structured log.
func Log(msg string) Step {
	return Step{Name: "log", run: func(ctx context.Context, env *Env) (string, error) {
		obs.From(ctx).Info("case_log", "pkg", "suite", "msg", msg)
		return msg, nil
	}}
}

func (env *Env) store(ctx context.Context, name string, c driver.Capture) (string, error) {
	if env.save == nil {
		return "", nil
	}
	if !strings.HasSuffix(name, c.Ext) {
		name += c.Ext
	}
	loc, err := env.save(ctx, name, c)
	if err != nil {
		return "", err
	}
	if loc != "" {
		env.saved = append(env.saved, loc)
	}
	return loc, nil
}
