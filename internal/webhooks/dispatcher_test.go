package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfirewall/internal/firewall"
	"github.com/mbd888/txfirewall/internal/metrics"
	"github.com/mbd888/txfirewall/internal/retry"
)

type received struct {
	headers http.Header
	body    []byte
}

// receiver answers with the given status codes in order, then 200.
func receiver(t *testing.T, statuses ...int) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu   sync.Mutex
		got  []received
		call int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{headers: r.Header.Clone(), body: body})
		mu.Unlock()
		n := int(atomic.AddInt32(&call, 1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func subscribe(t *testing.T, store Store, url string, events ...EventType) *Subscription {
	t.Helper()
	if len(events) == 0 {
		events = []EventType{EventDecisionRejected}
	}
	sub := &Subscription{
		ID:        "wh_" + strconv.Itoa(int(time.Now().UnixNano())),
		URL:       url,
		Secret:    "whsec_test",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

func newTestDispatcher(store Store, opts ...Option) *Dispatcher {
	base := []Option{WithRetry(3, retry.Linear(0))}
	return NewDispatcher(store, append(base, opts...)...)
}

func TestDispatch_SignedDelivery(t *testing.T) {
	srv, got := receiver(t)
	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)

	ev := EventFor("evt_1", rejected(firewall.CodeContractBlocked), time.Now())
	require.NoError(t, d.Dispatch(context.Background(), ev))

	reqs := got()
	require.Len(t, reqs, 1)
	h := reqs[0].headers
	assert.Equal(t, "decision.rejected", h.Get(HeaderEvent))
	assert.Equal(t, "evt_1", h.Get(HeaderDelivery))
	assert.Equal(t, "application/json", h.Get("Content-Type"))

	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.True(t, Verify(sub.Secret, ts, reqs[0].body, h.Get(HeaderSignature)))

	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &body))
	assert.Equal(t, "decision.rejected", body["type"])
	dec := body["decision"].(map[string]any)
	assert.Equal(t, "contract_blocked", dec["code"])
	assert.Equal(t, "classify", dec["stage"])

	stored, _ := store.Get(context.Background(), sub.ID)
	assert.NotNil(t, stored.LastSuccess)
	assert.Zero(t, stored.ConsecutiveFailures)
}

func TestDispatch_SkipsNonMatching(t *testing.T) {
	srv, got := receiver(t)
	store := NewMemoryStore()
	subscribe(t, store, srv.URL, EventDecisionRejected)
	d := newTestDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), EventFor("evt_1", allowed(), time.Now())))
	assert.Empty(t, got())
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	srv, got := receiver(t, http.StatusBadGateway, http.StatusTooManyRequests)
	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), EventFor("evt_1", rejected(firewall.CodeLimitPerTx), time.Now())))
	assert.Len(t, got(), 3)

	stored, _ := store.Get(context.Background(), sub.ID)
	assert.Empty(t, stored.LastError)
	assert.NotNil(t, stored.LastSuccess)
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	srv, got := receiver(t, http.StatusBadRequest)
	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)

	before := testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("failed"))
	require.NoError(t, d.Dispatch(context.Background(), EventFor("evt_1", rejected(firewall.CodeLimitPerTx), time.Now())))
	assert.Len(t, got(), 1)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("failed")))

	stored, _ := store.Get(context.Background(), sub.ID)
	assert.Equal(t, "status 400", stored.LastError)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.True(t, stored.Active)
}

func TestDispatch_DisablesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL)
	d := newTestDispatcher(store, WithMaxFailures(2))
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, EventFor("evt_1", rejected(firewall.CodeLimitPerTx), time.Now())))
	stored, _ := store.Get(ctx, sub.ID)
	assert.True(t, stored.Active)

	require.NoError(t, d.Dispatch(ctx, EventFor("evt_2", rejected(firewall.CodeLimitPerTx), time.Now())))
	stored, _ = store.Get(ctx, sub.ID)
	assert.False(t, stored.Active)
	assert.Equal(t, 2, stored.ConsecutiveFailures)
}

func TestPublish_DropsWhenQueueFull(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore(), WithQueueSize(1))

	before := testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("dropped"))
	d.Publish(rejected(firewall.CodeLimitPerTx))
	d.Publish(rejected(firewall.CodeLimitPerTx))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("dropped")))
}

func TestRun_DeliversPublishedDecisions(t *testing.T) {
	srv, got := receiver(t)
	store := NewMemoryStore()
	subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Publish(rejected(firewall.CodeSimulationRevert))
	assert.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
