package probe

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/rcprobe/internal/errs"
)

var fastOpts = Options{Timeout: 300 * time.Millisecond, Interval: 5 * time.Millisecond}

// appearsAfter renders an empty shell for the first n snapshots, then the
// real page, like a client-rendered admin view.
func appearsAfter(t testing.TB, n int32, markup string) (Snapshotter, *atomic.Int32) {
	var calls atomic.Int32
	shell, err := ParseHTMLString("u", 200, "<body><div id=root></div></body>")
	require.NoError(t, err)
	full, err := ParseHTMLString("u", 200, markup)
	require.NoError(t, err)
	return SnapshotFunc(func(context.Context) (Document, error) {
		if calls.Add(1) <= n {
			return shell, nil
		}
		return full, nil
	}), &calls
}

func TestEventually_PassesOnceSelectorAppears(t *testing.T) {
	t.Parallel()
	src, calls := appearsAfter(t, 3, "<body><h1>Directory</h1></body>")
	got, err := Eventually(context.Background(), src, Exists("h1"), fastOpts)
	require.NoError(t, err)
	assert.True(t, got.Passed)
	assert.Equal(t, int32(4), calls.Load())
}

// Any selector list with at least one valid match passes within the window.
func TestEventually_AnyValidMatchPasses(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		present := rapid.SampledFrom([]string{"h1", "h2", "table", "input", ".btn"}).Draw(t, "present")
		misses := rapid.SliceOfN(rapid.SampledFrom([]string{".x", "#y", "section.z", "footer"}), 0, 4).Draw(t, "misses")
		pos := rapid.IntRange(0, len(misses)).Draw(t, "pos")
		selectors := append(append(append([]string{}, misses[:pos]...), present), misses[pos:]...)

		doc, err := ParseHTMLString("u", 200, `<body><h1>a</h1><h2>b</h2><table></table><input><a class="btn">c</a></body>`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		got, err := Eventually(context.Background(), Static(doc), Exists(selectors...), fastOpts)
		if err != nil {
			t.Fatalf("expected pass for %v: %v", selectors, err)
		}
		if !got.Passed {
			t.Fatalf("observation not passed")
		}
	})
}

func TestEventually_TimeoutDescribesCandidates(t *testing.T) {
	t.Parallel()
	doc, err := ParseHTMLString("u", 200, "<body><p>nothing here</p></body>")
	require.NoError(t, err)

	_, err = Eventually(context.Background(), Static(doc), Exists("h1", ".title"), Options{Timeout: 40 * time.Millisecond, Interval: 5 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsAssertion(err))
	assert.Equal(t, errs.DeadlineExceeded, errs.CodeOf(err))
	assert.Contains(t, err.Error(), `"h1"`)
	assert.Contains(t, err.Error(), `".title"`)

	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.GreaterOrEqual(t, ae.Attempts, 2)
}

func TestEventually_InvalidSelectorFailsFast(t *testing.T) {
	t.Parallel()
	doc, err := ParseHTMLString("u", 200, "<body></body>")
	require.NoError(t, err)
	start := time.Now()
	_, err = Eventually(context.Background(), Static(doc), Exists("h1["), Options{Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestEventually_SnapshotErrorsRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	doc, err := ParseHTMLString("u", 200, "<body><h3>ok</h3></body>")
	require.NoError(t, err)
	src := SnapshotFunc(func(context.Context) (Document, error) {
		if calls.Add(1) < 3 {
			return nil, errs.New(errs.Unavailable, "page still loading")
		}
		return doc, nil
	})
	_, err = Eventually(context.Background(), src, Exists("h3"), fastOpts)
	require.NoError(t, err)
}

func TestEventually_SnapshotErrorReportedOnTimeout(t *testing.T) {
	t.Parallel()
	src := SnapshotFunc(func(context.Context) (Document, error) {
		return nil, errs.New(errs.Unavailable, "connection refused")
	})
	_, err := Eventually(context.Background(), src, Exists("h1"), Options{Timeout: 30 * time.Millisecond, Interval: 5 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsAssertion(err))
	assert.True(t, strings.Contains(err.Error(), "connection refused"))
}

func TestEventually_ParentCancelIsNotAnAssertion(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	doc, err := ParseHTMLString("u", 200, "<body></body>")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = Eventually(ctx, Static(doc), Exists("h1"), Options{Timeout: 5 * time.Second, Interval: 5 * time.Millisecond})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsAssertion(err))
}

func TestPresent_NeverAsserts(t *testing.T) {
	t.Parallel()
	doc, err := ParseHTMLString("u", 200, `<body><button>Create</button></body>`)
	require.NoError(t, err)

	ok, _, err := Present(context.Background(), Static(doc), Exists("button.new"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = Present(context.Background(), Static(doc), ExistsWhere("button", "labelled create", func(e Element) bool {
		return strings.EqualFold(e.Text(), "create")
	}))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultTimeout, o.Timeout)
	assert.Equal(t, DefaultInterval, o.Interval)

	o = Options{Timeout: time.Millisecond, Interval: time.Second}.withDefaults()
	assert.Equal(t, time.Millisecond, o.Interval)
}
