package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/txfirewall/internal/firewall"
	"github.com/mbd888/txfirewall/internal/idgen"
	"github.com/mbd888/txfirewall/internal/metrics"
	"github.com/mbd888/txfirewall/internal/retry"
)

const (
	defaultQueueSize   = 256
	defaultAttempts    = 3
	defaultMaxFailures = 10
	defaultTimeout     = 10 * time.Second
)

// Dispatcher posts decisions to matching subscriptions. It satisfies
// firewall.Publisher; Publish never blocks the check path.
type Dispatcher struct {
	store       Store
	client      *http.Client
	queue       chan *Event
	logger      *slog.Logger
	attempts    int
	backoff     retry.Backoff
	maxFailures int
	now         func() time.Time
}

var _ firewall.Publisher = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRetry sets how many times one delivery is attempted and the wait
// between attempts.
func WithRetry(attempts int, backoff retry.Backoff) Option {
	return func(d *Dispatcher) {
		d.attempts = attempts
		d.backoff = backoff
	}
}

// WithMaxFailures disables a subscription after n failed deliveries in a row.
func WithMaxFailures(n int) Option {
	return func(d *Dispatcher) { d.maxFailures = n }
}

// WithQueueSize bounds the number of undelivered events held in memory.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queue = make(chan *Event, n) }
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: defaultTimeout},
		queue:       make(chan *Event, defaultQueueSize),
		logger:      slog.Default(),
		attempts:    defaultAttempts,
		backoff:     retry.Exponential(500 * time.Millisecond),
		maxFailures: defaultMaxFailures,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish queues a decision. When the queue is full the event is dropped
// and counted.
func (d *Dispatcher) Publish(dec firewall.Decision) {
	ev := EventFor(idgen.WithPrefix(idgen.PrefixEvent), dec, d.now())
	select {
	case d.queue <- ev:
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event", "event", ev.ID, "checkId", dec.CheckID)
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.Dispatch(ctx, ev); err != nil {
				d.logger.Warn("webhook dispatch failed", "event", ev.ID, "error", err)
			}
		}
	}
}

// Dispatch delivers ev to every matching subscription and waits for the
// deliveries to finish. Delivery failures are recorded on the subscription,
// not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	subs, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.Matches(ev) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d.deliver(ctx, sub, ev, payload)
		}(sub)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev *Event, payload []byte) {
	err := retry.Do(ctx, d.attempts, d.backoff, func(int) error {
		return d.post(ctx, sub, ev, payload)
	})

	if err == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
		now := d.now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		sub.LastError = err.Error()
		sub.ConsecutiveFailures++
		if d.maxFailures > 0 && sub.ConsecutiveFailures >= d.maxFailures {
			sub.Active = false
			d.logger.Warn("webhook disabled after repeated failures",
				"webhook", sub.ID, "failures", sub.ConsecutiveFailures, "error", err)
		} else {
			d.logger.Info("webhook delivery failed", "webhook", sub.ID, "event", ev.ID, "error", err)
		}
	}

	// The subscription may have been deleted while we were delivering.
	if uerr := d.store.Update(context.WithoutCancel(ctx), sub); uerr != nil && !errors.Is(uerr, ErrNotFound) {
		d.logger.Warn("failed to record webhook delivery", "webhook", sub.ID, "error", uerr)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev *Event, payload []byte) error {
	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}
