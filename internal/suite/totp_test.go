package suite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/rcprobe/internal/twofactor"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func codeAt(t *testing.T, step int64) string {
	t.Helper()
	code, err := twofactor.Code(testSecret, time.Unix(step*twofactor.Period, 0))
	require.NoError(t, err)
	return code
}

func TestStepClock_NeverRepeatsAStep(t *testing.T) {
	now := time.Unix(1_700_000_010, 0)
	current := now.Unix() / twofactor.Period
	c := newStepClock(func() time.Time { return now })
	ctx := context.Background()

	for i := range int64(3) {
		code, err := c.next(ctx, testSecret, 2)
		require.NoError(t, err)
		assert.Equal(t, codeAt(t, current+i), code, "login %d", i)
	}

	// A different secret has its own sequence.
	code, err := c.next(ctx, "GEZDGNBVGY3TQOJQ", 2)
	require.NoError(t, err)
	want, err := twofactor.Code("GEZDGNBVGY3TQOJQ", now)
	require.NoError(t, err)
	assert.Equal(t, want, code)
}

func TestStepClock_WaitsPastLookahead(t *testing.T) {
	now := time.Unix(1_700_000_010, 0)
	c := newStepClock(func() time.Time { return now })

	_, err := c.next(context.Background(), testSecret, 0)
	require.NoError(t, err)

	// The next step is 20s away on this clock.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.next(ctx, testSecret, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStepClock_CatchesUpWithTheClock(t *testing.T) {
	now := time.Unix(1_700_000_010, 0)
	c := newStepClock(func() time.Time { return now })
	ctx := context.Background()
	_, err := c.next(ctx, testSecret, 1)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	code, err := c.next(ctx, testSecret, 1)
	require.NoError(t, err)
	assert.Equal(t, codeAt(t, now.Unix()/twofactor.Period), code)
}
