// Package webhooks fans orchestration events out to subscribed external
// URLs: signed, retrying HTTP POST delivery with a bounded history ring.
package webhooks

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// MaxHistory bounds the delivery history ring per manager.
const MaxHistory = 1000

// DeliveryRecord is one delivery outcome kept in the history ring.
type DeliveryRecord struct {
	ID             string           `json:"id"`
	SubscriptionID string           `json:"subscription_id"`
	Event          protocol.Trigger `json:"event"`
	URL            string           `json:"url"`
	Success        bool             `json:"success"`
	StatusCode     int              `json:"status_code,omitempty"`
	Attempts       int              `json:"attempts"`
	Error          string           `json:"error,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Stats summarizes deliveries for one subscription.
type Stats struct {
	SubscriptionID string  `json:"subscription_id"`
	Total          int     `json:"total"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"success_rate"` // percentage
}

// Manager owns webhook subscriptions and their delivery history. The
// delivery worker is the only history writer; stats and history readers take
// a read lock.
type Manager struct {
	mu      sync.RWMutex
	subs    map[string]*schema.WebhookSub
	history *ring[DeliveryRecord]

	deliverer *deliverer
	limiter   *rate.Limiter
	wg        sync.WaitGroup
}

// NewManager creates a manager. rps bounds outbound deliveries per second;
// zero disables the limit.
func NewManager(rps float64) *Manager {
	m := &Manager{
		subs:      make(map[string]*schema.WebhookSub),
		history:   newRing[DeliveryRecord](MaxHistory),
		deliverer: newDeliverer(),
	}
	if rps > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return m
}

// Bind subscribes the manager to every bus trigger so matching
// subscriptions receive deliveries.
func (m *Manager) Bind(b *bus.Bus) {
	b.SubscribeAll(m.HandleEvent)
}

// Register adds a subscription. Unknown triggers are rejected.
func (m *Manager) Register(url string, events []protocol.Trigger, secret string) (*schema.WebhookSub, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: webhook url is required", schema.ErrValidation)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: webhook needs at least one trigger", schema.ErrValidation)
	}
	for _, ev := range events {
		if !ev.Valid() {
			return nil, fmt.Errorf("%w: unknown trigger %q", schema.ErrValidation, ev)
		}
	}

	now := time.Now().UTC()
	sub := &schema.WebhookSub{
		ID:        "wh_" + uuid.NewString()[:8],
		URL:       url,
		Events:    append([]protocol.Trigger(nil), events...),
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	slog.Info("webhook.registered", "id", sub.ID, "url", url, "events", len(events))
	out := *sub
	return &out, nil
}

// Add registers an externally-built subscription (plan-level webhooks carry
// their own ids). Existing ids are replaced.
func (m *Manager) Add(sub schema.WebhookSub) (*schema.WebhookSub, error) {
	if sub.URL == "" {
		return nil, fmt.Errorf("%w: webhook url is required", schema.ErrValidation)
	}
	if sub.ID == "" {
		sub.ID = "wh_" + uuid.NewString()[:8]
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.subs[sub.ID] = &sub
	m.mu.Unlock()

	out := sub
	return &out, nil
}

// Unregister removes a subscription.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return fmt.Errorf("%w: webhook %s", schema.ErrNotFound, id)
	}
	delete(m.subs, id)
	slog.Info("webhook.unregistered", "id", id)
	return nil
}

// Get returns a copy of a subscription.
func (m *Manager) Get(id string) (*schema.WebhookSub, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: webhook %s", schema.ErrNotFound, id)
	}
	out := *sub
	return &out, nil
}

// List returns copies of all subscriptions.
func (m *Manager) List() []*schema.WebhookSub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.WebhookSub, 0, len(m.subs))
	for _, sub := range m.subs {
		c := *sub
		out = append(out, &c)
	}
	return out
}

// SetActive toggles a subscription. Inactive subscriptions are skipped
// without history records.
func (m *Manager) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return fmt.Errorf("%w: webhook %s", schema.ErrNotFound, id)
	}
	sub.Active = active
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// HandleEvent delivers ev to every active subscription whose trigger set
// contains it. Deliveries run asynchronously so retries never stall the bus
// worker.
func (m *Manager) HandleEvent(ev bus.Event) {
	m.mu.RLock()
	var targets []schema.WebhookSub
	for _, sub := range m.subs {
		if sub.Active && subscribed(sub, ev.Trigger) {
			targets = append(targets, *sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		m.wg.Add(1)
		go func(sub schema.WebhookSub) {
			defer m.wg.Done()
			if m.limiter != nil {
				if err := m.limiter.Wait(m.deliverer.baseCtx()); err != nil {
					return
				}
			}
			rec := m.deliverer.deliver(sub, ev)
			m.mu.Lock()
			m.history.push(rec)
			m.mu.Unlock()
			if !rec.Success {
				slog.Warn("webhook.delivery_failed", "subscription", sub.ID, "url", sub.URL,
					"event", ev.Trigger, "attempts", rec.Attempts, "error", rec.Error)
			}
		}(sub)
	}
}

// Flush waits for in-flight deliveries. Used on shutdown and in tests.
func (m *Manager) Flush() {
	m.wg.Wait()
}

// GetStats returns totals for one subscription.
func (m *Manager) GetStats(subscriptionID string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{SubscriptionID: subscriptionID}
	m.history.each(func(rec DeliveryRecord) {
		if rec.SubscriptionID != subscriptionID {
			return
		}
		st.Total++
		if rec.Success {
			st.Succeeded++
		} else {
			st.Failed++
		}
	})
	if st.Total > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(st.Total) * 100
	}
	return st
}

// History returns up to limit most-recent delivery records, newest first.
// A subscriptionID filters to one subscription; empty means all.
func (m *Manager) History(subscriptionID string, limit int) []DeliveryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []DeliveryRecord
	m.history.each(func(rec DeliveryRecord) {
		if subscriptionID == "" || rec.SubscriptionID == subscriptionID {
			all = append(all, rec)
		}
	})
	// each yields oldest→newest; reverse for newest-first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func subscribed(sub *schema.WebhookSub, trigger protocol.Trigger) bool {
	for _, ev := range sub.Events {
		if ev == trigger {
			return true
		}
	}
	return false
}

// ring is an explicit fixed-capacity FIFO ring buffer.
type ring[T any] struct {
	buf   []T
	start int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// each visits entries oldest first.
func (r *ring[T]) each(fn func(T)) {
	for i := 0; i < r.count; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}
