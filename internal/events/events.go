package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"coupon-finder/internal/logger"
	"coupon-finder/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventRevealRecorded is emitted after a code was revealed and counted
	EventRevealRecorded EventType = "reveal.recorded"
	// EventRevealRefused is emitted when the daily limit blocked a reveal
	EventRevealRefused EventType = "reveal.refused"
	// EventInterstitialRaised is emitted when a reveal raised the interstitial
	EventInterstitialRaised EventType = "interstitial.raised"
	// EventLoggedIn is emitted after register or login stored a credential
	EventLoggedIn EventType = "session.logged_in"
	// EventLoggedOut is emitted when the credential was cleared
	EventLoggedOut EventType = "session.logged_out"
	// EventRegionChanged is emitted when the region filter changed
	EventRegionChanged EventType = "session.region_changed"
	// EventDailyCountReset is emitted when the usage counter was zeroed
	EventDailyCountReset EventType = "usage.reset"
)

// Event represents an event in the system.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RevealData describes a reveal attempt.
type RevealData struct {
	CouponID         string        `json:"coupon_id"`
	Region           models.Region `json:"region"`
	Country          string        `json:"country,omitempty"`
	DailyRevealCount int           `json:"daily_reveal_count"`
	Remaining        int           `json:"remaining"`
}

// SessionData describes an identity or filter transition.
type SessionData struct {
	UserID  string        `json:"user_id,omitempty"`
	Region  models.Region `json:"region"`
	Country string        `json:"country,omitempty"`
}

// UsageResetData describes a counter reset.
type UsageResetData struct {
	PreviousCount int    `json:"previous_count"`
	Trigger       string `json:"trigger"`
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	enabled  bool
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// SubscribeAll subscribes a handler to every event type.
func (m *Manager) SubscribeAll(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.all = append(m.all, handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously on a context that outlives the caller's request.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data any) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(m.handlers[eventType])+len(m.all))
	handlers = append(handlers, m.handlers[eventType]...)
	handlers = append(handlers, m.all...)
	if len(handlers) > 0 {
		m.wg.Add(len(handlers))
	}
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	detached := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(detached, event); err != nil {
				logger.Warn("event handler failed",
					logger.String("event_type", string(event.Type)),
					logger.String("event_id", event.ID),
					logger.Err(err))
			}
		}(handler)
	}
}

// PublishReveal publishes a recorded reveal.
func (m *Manager) PublishReveal(ctx context.Context, data RevealData) {
	m.Publish(ctx, EventRevealRecorded, data)
}

// PublishRevealRefused publishes a reveal blocked by the daily limit.
func (m *Manager) PublishRevealRefused(ctx context.Context, data RevealData) {
	m.Publish(ctx, EventRevealRefused, data)
}

// PublishInterstitial publishes a raised interstitial.
func (m *Manager) PublishInterstitial(ctx context.Context, data RevealData) {
	m.Publish(ctx, EventInterstitialRaised, data)
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown disables publishing, drops all handlers and waits for running
// ones to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.all = nil
	m.mu.Unlock()

	m.wg.Wait()
}
