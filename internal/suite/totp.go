package suite

import (
	"context"
	"sync"
	"time"

	"github.com/kuitang/rcprobe/internal/twofactor"
)

// stepClock hands out TOTP codes so that no two logins in this process
// send a code for the same time step. Servers that remember the last
// accepted step reject a repeat, and every case signs in again.
type stepClock struct {
	mu   sync.Mutex
	last map[string]int64
	now  func() time.Time
}

var loginCodes = newStepClock(time.Now)

func newStepClock(now func() time.Time) *stepClock {
	return &stepClock{last: map[string]int64{}, now: now}
}

// next returns the code for the oldest step after any already handed out
// for secret. A step up to lookahead steps past the clock is used right
// away; anything further waits until the clock catches up.
func (c *stepClock) next(ctx context.Context, secret string, lookahead int) (string, error) {
	lookahead = max(lookahead, 0)
	c.mu.Lock()
	now := c.now()
	current := now.Unix() / twofactor.Period
	step := max(current, c.last[secret]+1)
	c.last[secret] = step
	c.mu.Unlock()

	if step-current > int64(lookahead) {
		ready := time.Unix((step-int64(lookahead))*twofactor.Period, 0)
		timer := time.NewTimer(ready.Sub(now))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return twofactor.Code(secret, time.Unix(step*twofactor.Period, 0))
}
