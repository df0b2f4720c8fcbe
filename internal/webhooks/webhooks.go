// Package webhooks delivers signed firewall decisions to operator endpoints,
// so a rejected transaction can page someone without a stream client open.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/txfirewall/internal/firewall"
)

// EventType names what happened.
type EventType string

const (
	EventDecisionAllowed  EventType = "decision.allowed"
	EventDecisionRejected EventType = "decision.rejected"
)

// Valid reports whether t is an event the dispatcher emits.
func (t EventType) Valid() bool {
	return t == EventDecisionAllowed || t == EventDecisionRejected
}

// Delivery headers.
const (
	HeaderEvent     = "X-Txfirewall-Event"
	HeaderDelivery  = "X-Txfirewall-Delivery"
	HeaderTimestamp = "X-Txfirewall-Timestamp"
	HeaderSignature = "X-Txfirewall-Signature"
)

var (
	ErrNotFound     = errors.New("webhooks: subscription not found")
	ErrInvalidEvent = errors.New("webhooks: unknown event type")
)

// Event is the JSON body posted to subscribers.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Decision  firewall.Decision `json:"decision"`
}

// EventFor wraps a decision in an event of the matching type.
func EventFor(id string, d firewall.Decision, at time.Time) *Event {
	t := EventDecisionRejected
	if d.Allowed {
		t = EventDecisionAllowed
	}
	return &Event{ID: id, Type: t, Timestamp: at, Decision: d}
}

// Subscription is one registered endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Codes               []string    `json:"codes,omitempty"` // empty means every code
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Matches reports whether the subscription wants ev.
func (s *Subscription) Matches(ev *Event) bool {
	if !s.Active {
		return false
	}
	found := false
	for _, t := range s.Events {
		if t == ev.Type {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(s.Codes) == 0 {
		return true
	}
	for _, c := range s.Codes {
		if c == string(ev.Decision.Code) {
			return true
		}
	}
	return false
}

// Sign returns the signature header value for a payload sent at ts. The MAC
// covers "<unix ts>.<payload>".
func Sign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, ts int64, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(signature))
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps subscriptions in process. Callers get copies.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Subscription)}
}

func clone(s Subscription) *Subscription {
	s.Events = append([]EventType(nil), s.Events...)
	s.Codes = append([]string(nil), s.Codes...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		s.LastSuccess = &t
	}
	return &s
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("webhooks: duplicate subscription %s", sub.ID)
	}
	m.subs[sub.ID] = *clone(*sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

// List returns subscriptions oldest first.
func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, clone(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = *clone(*sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
