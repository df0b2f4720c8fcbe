package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfirewall/internal/auth"
	"github.com/mbd888/txfirewall/internal/metrics"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	clock := &fakeClock{t: time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("a"))

	clock.advance(time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiter_RefillCappedAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 3)

	require.True(t, l.Allow("a"))
	clock.advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"))
	}
	assert.False(t, l.Allow("a"))
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 2)

	l.Allow("a")
	l.Allow("a")
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 2)

	l.Allow("a")
	clock.advance(time.Minute)
	l.Allow("b")
	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "a")
	assert.Contains(t, l.clients, "b")
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_KeysByCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 1)
	mgr := auth.NewManager(auth.NewMemoryStore())
	rawA, _, err := mgr.GenerateKey(context.Background(), "bot-a", 0)
	require.NoError(t, err)
	rawB, _, err := mgr.GenerateKey(context.Background(), "bot-b", 0)
	require.NoError(t, err)

	r := gin.New()
	r.Use(auth.Middleware(mgr), l.Middleware())
	r.POST("/v1/check", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/check", nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	before := testutil.ToFloat64(metrics.RateLimitedTotal)
	assert.Equal(t, http.StatusOK, send(rawA))
	assert.Equal(t, http.StatusTooManyRequests, send(rawA))
	assert.Equal(t, http.StatusOK, send(rawB))
	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.RateLimitedTotal))
}
