package probe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/kuitang/rcprobe/internal/errs"
)

// Observation is the outcome of evaluating a Check against one snapshot.
type Observation struct {
	Passed bool
	// Check is the description of what was probed.
	Check string
	// Detail says what was actually seen.
	Detail string
	// Value is an optional extracted string: matched text, attribute value,
	// element count or body length.
	Value string
}

// Check is a named predicate over a page snapshot.
type Check interface {
	Describe() string
	Evaluate(doc Document) (Observation, error)
}

type checkFunc struct {
	desc string
	fn   func(doc Document) (Observation, error)
}

func (c checkFunc) Describe() string { return c.desc }

func (c checkFunc) Evaluate(doc Document) (Observation, error) {
	obs, err := c.fn(doc)
	obs.Check = c.desc
	return obs, err
}

// NewCheck builds a Check from a description and a predicate.
func NewCheck(desc string, fn func(doc Document) (Observation, error)) Check {
	return checkFunc{desc: desc, fn: fn}
}

// Named replaces the description of a check, typically with a step label.
func Named(name string, c Check) Check {
	return checkFunc{desc: name, fn: c.Evaluate}
}

// Query runs a selector once against a document.
func Query(doc Document, selector string) (QueryResult, error) {
	matches, err := doc.Find(selector)
	if err != nil {
		return QueryResult{Selector: selector}, err
	}
	return QueryResult{Selector: selector, Matches: matches}, nil
}

// QueryResult holds the elements a selector matched.
type QueryResult struct {
	Selector string
	Matches  []Element
}

func (q QueryResult) Count() int   { return len(q.Matches) }
func (q QueryResult) Exists() bool { return len(q.Matches) > 0 }

// Text joins the text of every match with single spaces.
func (q QueryResult) Text() string {
	parts := make([]string, 0, len(q.Matches))
	for _, m := range q.Matches {
		if t := m.Text(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Attr returns the attribute of the first match that has it.
func (q QueryResult) Attr(name string) (string, bool) {
	for _, m := range q.Matches {
		if v, ok := m.Attr(name); ok {
			return v, true
		}
	}
	return "", false
}

// Filter keeps matches satisfying pred.
func (q QueryResult) Filter(pred func(Element) bool) QueryResult {
	out := QueryResult{Selector: q.Selector}
	for _, m := range q.Matches {
		if pred(m) {
			out.Matches = append(out.Matches, m)
		}
	}
	return out
}

// Exists passes when at least one element matches any of the selectors.
func Exists(selectors ...string) Check {
	desc := fmt.Sprintf("element exists: any of %s", quoteList(selectors))
	return NewCheck(desc, func(doc Document) (Observation, error) {
		if len(selectors) == 0 {
			return Observation{}, errs.New(errs.InvalidArgument, "exists: no selectors")
		}
		for _, sel := range selectors {
			q, err := Query(doc, sel)
			if err != nil {
				return Observation{}, err
			}
			if q.Exists() {
				return Observation{
					Passed: true,
					Detail: fmt.Sprintf("%d element(s) matched %q", q.Count(), sel),
					Value:  sel,
				}, nil
			}
		}
		return Observation{Detail: "no element matched"}, nil
	})
}

// Absent passes when none of the selectors match.
func Absent(selectors ...string) Check {
	desc := fmt.Sprintf("element absent: none of %s", quoteList(selectors))
	return NewCheck(desc, func(doc Document) (Observation, error) {
		for _, sel := range selectors {
			q, err := Query(doc, sel)
			if err != nil {
				return Observation{}, err
			}
			if q.Exists() {
				return Observation{Detail: fmt.Sprintf("%d element(s) matched %q", q.Count(), sel)}, nil
			}
		}
		return Observation{Passed: true, Detail: "no element matched"}, nil
	})
}

// ExistsWhere passes when an element matched by selector satisfies pred.
func ExistsWhere(selector, what string, pred func(Element) bool) Check {
	desc := fmt.Sprintf("element %q where %s", selector, what)
	return NewCheck(desc, func(doc Document) (Observation, error) {
		q, err := Query(doc, selector)
		if err != nil {
			return Observation{}, err
		}
		hit := q.Filter(pred)
		if hit.Exists() {
			return Observation{
				Passed: true,
				Detail: fmt.Sprintf("%d of %d element(s) qualified", hit.Count(), q.Count()),
				Value:  hit.Text(),
			}, nil
		}
		return Observation{Detail: fmt.Sprintf("0 of %d element(s) qualified", q.Count())}, nil
	})
}

// CountAtLeast passes when selector matches at least n elements.
func CountAtLeast(selector string, n int) Check {
	desc := fmt.Sprintf("at least %d element(s) match %q", n, selector)
	return NewCheck(desc, func(doc Document) (Observation, error) {
		q, err := Query(doc, selector)
		if err != nil {
			return Observation{}, err
		}
		return Observation{
			Passed: q.Count() >= n,
			Detail: fmt.Sprintf("%d element(s) matched", q.Count()),
			Value:  strconv.Itoa(q.Count()),
		}, nil
	})
}

// ContainsText passes when the body contains any pattern, ignoring case.
func ContainsText(patterns ...string) Check {
	desc := fmt.Sprintf("body contains any of %s", quoteList(patterns))
	return NewCheck(desc, func(doc Document) (Observation, error) {
		if len(patterns) == 0 {
			return Observation{}, errs.New(errs.InvalidArgument, "contains text: no patterns")
		}
		folder := cases.Fold()
		body := folder.String(doc.BodyText())
		for _, p := range patterns {
			if strings.Contains(body, folder.String(p)) {
				return Observation{Passed: true, Detail: fmt.Sprintf("found %q", p), Value: p}, nil
			}
		}
		return Observation{Detail: fmt.Sprintf("none found in %d chars of body text", len(body))}, nil
	})
}

// MatchesText passes when the body matches any regular expression. Patterns
// are compiled case-insensitive; a bad pattern fails evaluation with
// InvalidArgument rather than never matching.
func MatchesText(exprs ...string) Check {
	desc := fmt.Sprintf("body matches any of %s", quoteList(exprs))
	compiled := make([]*regexp.Regexp, 0, len(exprs))
	var compileErr error
	for _, e := range exprs {
		re, err := regexp.Compile("(?i)" + e)
		if err != nil {
			compileErr = errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid pattern %q", e), err)
			break
		}
		compiled = append(compiled, re)
	}
	return NewCheck(desc, func(doc Document) (Observation, error) {
		if compileErr != nil {
			return Observation{}, compileErr
		}
		body := doc.BodyText()
		for _, re := range compiled {
			if m := re.FindString(body); m != "" {
				return Observation{Passed: true, Detail: fmt.Sprintf("matched /%s/", re.String()), Value: m}, nil
			}
		}
		return Observation{Detail: "no pattern matched"}, nil
	})
}

// AttrContains is the strict form used for stable, documented elements such
// as a download link whose href must carry a known substring.
func AttrContains(selector, attr, substr string) Check {
	desc := fmt.Sprintf("%s[%s] contains %q", selector, attr, substr)
	return NewCheck(desc, func(doc Document) (Observation, error) {
		q, err := Query(doc, selector)
		if err != nil {
			return Observation{}, err
		}
		if !q.Exists() {
			return Observation{Detail: "no element matched"}, nil
		}
		var seen string
		for _, m := range q.Matches {
			v, ok := m.Attr(attr)
			if !ok {
				continue
			}
			seen = v
			if strings.Contains(v, substr) {
				return Observation{Passed: true, Detail: "attribute matched", Value: v}, nil
			}
		}
		if seen == "" {
			return Observation{Detail: fmt.Sprintf("%d element(s) without %s", q.Count(), attr)}, nil
		}
		return Observation{Detail: fmt.Sprintf("last %s was %q", attr, seen), Value: seen}, nil
	})
}

// MinBodyLength passes iff the trimmed body text has at least n characters.
// It is the weak "page rendered something meaningful" fallback for content
// whose structure varies: localized strings, empty states, paginated counts.
func MinBodyLength(n int) Check {
	desc := fmt.Sprintf("body text length >= %d", n)
	return NewCheck(desc, func(doc Document) (Observation, error) {
		got := len([]rune(strings.TrimSpace(doc.BodyText())))
		return Observation{
			Passed: got >= n,
			Detail: fmt.Sprintf("body text length %d", got),
			Value:  strconv.Itoa(got),
		}, nil
	})
}

// BodyLongerThan is MinBodyLength(n+1), the literal "length > n" form.
func BodyLongerThan(n int) Check {
	return Named(fmt.Sprintf("body text length > %d", n), MinBodyLength(n+1))
}

// StatusIs passes when the navigation status equals want.
func StatusIs(want int) Check {
	desc := fmt.Sprintf("status is %d", want)
	return NewCheck(desc, func(doc Document) (Observation, error) {
		return Observation{
			Passed: doc.Status() == want,
			Detail: fmt.Sprintf("status %d", doc.Status()),
			Value:  strconv.Itoa(doc.Status()),
		}, nil
	})
}

// URLContains passes when the current page URL contains substr.
func URLContains(substr string) Check {
	desc := fmt.Sprintf("url contains %q", substr)
	return NewCheck(desc, func(doc Document) (Observation, error) {
		return Observation{
			Passed: strings.Contains(doc.URL(), substr),
			Detail: "url " + doc.URL(),
			Value:  doc.URL(),
		}, nil
	})
}

// AnyOf passes when any sub-check passes; sub-checks run in order so the
// strict ones should come first and the heuristic fallback last.
func AnyOf(checks ...Check) Check {
	desc := "any of (" + joinDescriptions(checks) + ")"
	return NewCheck(desc, func(doc Document) (Observation, error) {
		details := make([]string, 0, len(checks))
		for _, c := range checks {
			obs, err := c.Evaluate(doc)
			if err != nil {
				return Observation{}, err
			}
			if obs.Passed {
				return Observation{Passed: true, Detail: c.Describe() + ": " + obs.Detail, Value: obs.Value}, nil
			}
			details = append(details, c.Describe()+": "+obs.Detail)
		}
		return Observation{Detail: strings.Join(details, "; ")}, nil
	})
}

// AllOf passes when every sub-check passes against the same snapshot.
func AllOf(checks ...Check) Check {
	desc := "all of (" + joinDescriptions(checks) + ")"
	return NewCheck(desc, func(doc Document) (Observation, error) {
		var failed []string
		for _, c := range checks {
			obs, err := c.Evaluate(doc)
			if err != nil {
				return Observation{}, err
			}
			if !obs.Passed {
				failed = append(failed, c.Describe()+": "+obs.Detail)
			}
		}
		if len(failed) > 0 {
			return Observation{Detail: "failed " + strings.Join(failed, "; ")}, nil
		}
		return Observation{Passed: true, Detail: fmt.Sprintf("%d check(s) held", len(checks))}, nil
	})
}

// Resilient is the canonical flaky-tolerant form: any selector, else any text
// pattern, else a body-length fallback. Zero or empty arguments are skipped.
func Resilient(selectors, texts []string, minBody int) Check {
	var checks []Check
	if len(selectors) > 0 {
		checks = append(checks, Exists(selectors...))
	}
	if len(texts) > 0 {
		checks = append(checks, ContainsText(texts...))
	}
	if minBody > 0 {
		checks = append(checks, MinBodyLength(minBody))
	}
	if len(checks) == 1 {
		return checks[0]
	}
	return AnyOf(checks...)
}

func joinDescriptions(checks []Check) string {
	parts := make([]string, len(checks))
	for i, c := range checks {
		parts[i] = c.Describe()
	}
	return strings.Join(parts, " | ")
}

func quoteList(items []string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = strconv.Quote(it)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
