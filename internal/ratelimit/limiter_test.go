package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func keyGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z0-9.:]{4,32}`)
}

// =============================================================================
// Property: attempts within the per-minute budget succeed
// =============================================================================

func testRateLimiter_RequestsWithinLimit(t *rapid.T) {
	perMinute := rapid.IntRange(1, 100).Draw(t, "perMinute")
	rl := NewRateLimiter(Config{PerMinute: perMinute, CleanupInterval: time.Hour})
	defer rl.Stop()

	key := keyGenerator().Draw(t, "key")
	n := rapid.IntRange(1, perMinute).Draw(t, "n")
	for i := 0; i < n; i++ {
		if !rl.Allow(key) {
			t.Fatalf("attempt %d of %d should be allowed with %d/min", i+1, n, perMinute)
		}
	}
}

func TestRateLimiter_RequestsWithinLimit(t *testing.T) {
	rapid.Check(t, testRateLimiter_RequestsWithinLimit)
}

func FuzzRateLimiter_RequestsWithinLimit(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_RequestsWithinLimit))
}

// =============================================================================
// Property: the attempt after the budget is blocked
// =============================================================================

func testRateLimiter_ExceedingLimitBlocked(t *rapid.T) {
	perMinute := rapid.IntRange(1, 20).Draw(t, "perMinute")
	rl := NewRateLimiter(Config{PerMinute: perMinute, CleanupInterval: time.Hour})
	defer rl.Stop()

	key := keyGenerator().Draw(t, "key")
	for i := 0; i < perMinute; i++ {
		rl.Allow(key)
	}
	if rl.Allow(key) {
		t.Fatalf("attempt beyond %d/min should be blocked", perMinute)
	}
}

func TestRateLimiter_ExceedingLimitBlocked(t *testing.T) {
	rapid.Check(t, testRateLimiter_ExceedingLimitBlocked)
}

func FuzzRateLimiter_ExceedingLimitBlocked(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_ExceedingLimitBlocked))
}

// =============================================================================
// Property: keys are independent
// =============================================================================

func testRateLimiter_KeyIndependence(t *rapid.T) {
	rl := NewRateLimiter(Config{PerMinute: 3, CleanupInterval: time.Hour})
	defer rl.Stop()

	a := keyGenerator().Draw(t, "a")
	b := keyGenerator().Filter(func(s string) bool { return s != a }).Draw(t, "b")
	for i := 0; i < 4; i++ {
		rl.Allow(a)
	}
	if !rl.Allow(b) {
		t.Fatalf("exhausting %q must not block %q", a, b)
	}
}

func TestRateLimiter_KeyIndependence(t *testing.T) {
	rapid.Check(t, testRateLimiter_KeyIndependence)
}

func TestRateLimiter_ZeroDisables(t *testing.T) {
	rl := NewRateLimiter(Config{PerMinute: 0})
	defer rl.Stop()
	for i := 0; i < 1000; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestRateLimiter_LimitChangeReplacesBucket(t *testing.T) {
	rl := NewRateLimiter(Config{PerMinute: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	l1 := rl.GetLimiter("k", 1)
	assert.True(t, l1.Allow())
	assert.False(t, l1.Allow())
	assert.Same(t, l1, rl.GetLimiter("k", 1))

	l2 := rl.GetLimiter("k", 5)
	assert.NotSame(t, l1, l2)
	assert.True(t, l2.Allow())
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_IdleCleanup(t *testing.T) {
	rl := NewRateLimiter(Config{PerMinute: 5, CleanupInterval: 10 * time.Millisecond})
	defer rl.Stop()
	rl.Allow("idle")
	assert.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(Config{PerMinute: 50, CleanupInterval: time.Hour})
	defer rl.Stop()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if rl.Allow("shared") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	// 200 attempts against a burst of 50; refill during the test is tiny.
	assert.GreaterOrEqual(t, allowed.Load(), int64(50))
	assert.Less(t, allowed.Load(), int64(60))
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(Config{CleanupInterval: time.Hour})
	defer rl.Stop()

	perMinute := 2
	h := Middleware(rl,
		func(r *http.Request) string {
			if r.Method != http.MethodPost {
				return ""
			}
			return ClientIP(r)
		},
		func(*http.Request) int { return perMinute },
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/login", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do(http.MethodPost)
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost).Code)

	blocked := do(http.MethodPost)
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "0", blocked.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, blocked.Header().Get("Retry-After"))

	// Unkeyed requests pass through.
	assert.Equal(t, http.StatusNoContent, do(http.MethodGet).Code)

	// Raising the limit takes effect immediately.
	perMinute = 10
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost).Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(r))
	r.RemoteAddr = "unix"
	assert.Equal(t, "unix", ClientIP(r))
}
