package suite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/rcprobe/internal/artifacts"
	"github.com/kuitang/rcprobe/internal/driver"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/probe"
)

// Status is the outcome of a case or step.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepResult records one executed step.
type StepResult struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  errs.Code     `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	BeforeEach bool          `json:"before_each,omitempty"`
}

// CaseResult records one case.
type CaseResult struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	FailedStep string        `json:"failed_step,omitempty"`
	Error      string        `json:"error,omitempty"`
	Steps      []StepResult  `json:"steps"`
	PageErrors []string      `json:"page_errors,omitempty"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// SuiteResult records one suite.
type SuiteResult struct {
	Name     string        `json:"name"`
	Cases    []CaseResult  `json:"cases"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the outcome of a run.
type Report struct {
	RunID      string        `json:"run_id"`
	BaseURL    string        `json:"base_url,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Suites     []SuiteResult `json:"suites"`
}

// Counts tallies case outcomes.
type Counts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c Counts) Total() int { return c.Passed + c.Failed + c.Skipped }

func (r Report) Counts() Counts {
	var c Counts
	for _, s := range r.Suites {
		for _, cr := range s.Cases {
			switch cr.Status {
			case StatusPassed:
				c.Passed++
			case StatusFailed:
				c.Failed++
			default:
				c.Skipped++
			}
		}
	}
	return c
}

// Passed reports whether no case failed.
func (r Report) Passed() bool { return r.Counts().Failed == 0 }

// Runner executes suites against sessions from Factory.
type Runner struct {
	Factory     driver.Factory
	Artifacts   artifacts.Store
	Options     probe.Options
	Credentials Credentials
	BaseURL     string
	// CaptureOnFailure stores a capture of the page when a case fails.
	CaptureOnFailure bool
	OptionalWait     time.Duration
	// RunID is generated when empty.
	RunID string
	Now   func() time.Time
	// OnCase, when set, is called after every case finishes, e.g. to drive a
	// progress bar.
	OnCase func(suiteName string, c CaseResult)
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run executes suites sequentially. A failing case never stops the run;
// cancelling ctx marks the remaining cases skipped.
func (r *Runner) Run(ctx context.Context, suites ...Suite) Report {
	runID := r.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: runID})
	logger := obs.From(ctx).With("pkg", "suite")

	report := Report{RunID: runID, BaseURL: r.BaseURL, StartedAt: r.now().UTC()}
	logger.Info("run_started", "suites", len(suites), "base_url", r.BaseURL)
	for _, s := range suites {
		report.Suites = append(report.Suites, r.runSuite(ctx, runID, s))
	}
	report.FinishedAt = r.now().UTC()

	c := report.Counts()
	logger.Info("run_finished", "passed", c.Passed, "failed", c.Failed, "skipped", c.Skipped,
		"dur_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	return report
}

func (r *Runner) runSuite(ctx context.Context, runID string, s Suite) SuiteResult {
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Suite: s.Name})
	start := time.Now()
	res := SuiteResult{Name: s.Name}
	for _, c := range s.Cases {
		var cr CaseResult
		if ctx.Err() != nil {
			cr = CaseResult{Name: c.Name, Status: StatusSkipped, Error: ctx.Err().Error()}
		} else {
			cr = r.runCase(ctx, runID, s, c)
		}
		res.Cases = append(res.Cases, cr)
		if r.OnCase != nil {
			r.OnCase(s.Name, cr)
		}
	}
	res.Duration = time.Since(start)
	return res
}

func (r *Runner) runCase(ctx context.Context, runID string, s Suite, c Case) CaseResult {
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Case: c.Name})
	logger := obs.From(ctx).With("pkg", "suite")
	start := time.Now()
	res := CaseResult{Name: c.Name, Status: StatusPassed}

	session, err := r.Factory.NewSession(ctx)
	if err != nil {
		res.Status = StatusFailed
		res.FailedStep = "open session"
		res.Error = err.Error()
		res.Duration = time.Since(start)
		logger.Error("case_failed", "step", res.FailedStep, "error", err)
		return res
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("session_close_failed", "error", cerr)
		}
	}()

	env := &Env{
		Session:      session,
		Options:      r.Options,
		Credentials:  r.Credentials,
		OptionalWait: r.OptionalWait,
	}
	if r.Artifacts != nil {
		env.save = func(ctx context.Context, name string, capture driver.Capture) (string, error) {
			return r.Artifacts.Put(ctx, artifacts.Key(runID, s.Name, c.Name, name), capture.Data, capture.ContentType)
		}
	}

	type plannedStep struct {
		Step
		before bool
	}
	var plan []plannedStep
	for _, st := range s.BeforeEach {
		plan = append(plan, plannedStep{st, true})
	}
	for _, st := range c.Steps {
		plan = append(plan, plannedStep{st, false})
	}

	failed := false
	for _, st := range plan {
		if failed {
			res.Steps = append(res.Steps, StepResult{Name: st.Name, Status: StatusSkipped, BeforeEach: st.before})
			continue
		}
		stepStart := time.Now()
		detail, err := st.run(ctx, env)
		sr := StepResult{Name: st.Name, Status: StatusPassed, Detail: detail, Duration: time.Since(stepStart), BeforeEach: st.before}
		if err != nil {
			failed = true
			sr.Status = StatusFailed
			sr.Error = err.Error()
			sr.ErrorCode = errs.CodeOf(err)
			res.Status = StatusFailed
			res.FailedStep = st.Name
			res.Error = err.Error()
			if errors.Is(err, context.Canceled) {
				res.Status = StatusSkipped
			}
		}
		res.Steps = append(res.Steps, sr)
	}

	for _, pe := range session.PageErrors() {
		res.PageErrors = append(res.PageErrors, pe.Error())
	}
	if res.Status == StatusFailed && r.CaptureOnFailure {
		if capture, err := session.Capture(ctx); err == nil {
			if _, err := env.store(ctx, "failure", capture); err != nil {
				logger.Warn("failure_capture_not_stored", "error", err)
			}
		}
	}
	res.Artifacts = env.saved
	res.Duration = time.Since(start)

	switch res.Status {
	case StatusPassed:
		logger.Info("case_passed", "dur_ms", res.Duration.Milliseconds(), "page_errors", len(res.PageErrors))
	case StatusFailed:
		logger.Warn("case_failed", "step", res.FailedStep, "error", res.Error, "page_errors", len(res.PageErrors))
	default:
		logger.Info("case_skipped", "reason", res.Error)
	}
	return res
}

// Select returns the suites with the given names, in the order asked for.
func Select(all []Suite, names ...string) ([]Suite, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Suite, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	out := make([]Suite, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, errs.New(errs.NotFound, fmt.Sprintf("unknown suite %q", n))
		}
		out = append(out, s)
	}
	return out, nil
}
