package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"coupon-finder/internal/logger"
	"coupon-finder/internal/models"
	"coupon-finder/internal/storage"
)

// StorageKey is the fixed namespace the persisted slice lives under.
const StorageKey = "globalcouponfinder-storage"

const persistVersion = 1

// persistedState is the subset of Session that survives restarts.
type persistedState struct {
	Version          int           `json:"version"`
	Credential       string        `json:"credential,omitempty"`
	Region           models.Region `json:"region"`
	Country          string        `json:"country,omitempty"`
	DailyRevealCount int           `json:"daily_reveal_count"`
	// LastResetAt is absent in records written before resets were stamped.
	LastResetAt      *time.Time    `json:"last_reset_at,omitempty"`
}

func defaultPersisted() persistedState {
	return persistedState{Version: persistVersion, Region: models.RegionAmerica}
}

func (s Session) persisted() persistedState {
	p := persistedState{
		Version:          persistVersion,
		Credential:       s.Credential,
		Region:           s.Region,
		Country:          s.Country,
		DailyRevealCount: s.DailyRevealCount,
	}
	if !s.LastResetAt.IsZero() {
		t := s.LastResetAt
		p.LastResetAt = &t
	}
	return p
}

// decodePersisted parses a stored record. Anything that could not have been
// written by this package is rejected as a whole.
func decodePersisted(data []byte) (persistedState, error) {
	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return persistedState{}, err
	}
	if p.Version > persistVersion {
		return persistedState{}, errors.New("record written by a newer version")
	}
	if !p.Region.Valid() {
		return persistedState{}, errors.New("unknown region")
	}
	if p.Country != "" && !p.Region.HasCountry(p.Country) {
		return persistedState{}, errors.New("country outside region")
	}
	if p.DailyRevealCount < 0 {
		return persistedState{}, errors.New("negative reveal count")
	}
	p.Version = persistVersion
	return p, nil
}

// loadPersisted reads the record under key, falling back to defaults when it
// is absent, unreadable or malformed.
func loadPersisted(ctx context.Context, store storage.Store, key string) persistedState {
	data, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return defaultPersisted()
	}
	if err != nil {
		logger.Warn("session storage unavailable, starting from defaults",
			logger.String("key", key), logger.Err(err))
		return defaultPersisted()
	}

	p, err := decodePersisted(data)
	if err != nil {
		logger.Warn("discarding malformed session record",
			logger.String("key", key), logger.Err(err))
		return defaultPersisted()
	}
	return p
}

// writer persists snapshots on a single background goroutine. Pending
// snapshots coalesce: only the newest one is written, so the durable record
// always settles on the last in-memory state. Write failures are logged and
// dropped.
type writer struct {
	store   storage.Store
	key     string
	timeout time.Duration

	mu      sync.Mutex
	settled *sync.Cond
	next    *persistedState
	queued  uint64
	written uint64
	closed  bool
	done    bool

	wake      chan struct{}
	stop      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func newWriter(store storage.Store, key string, timeout time.Duration) *writer {
	w := &writer{
		store:   store,
		key:     key,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	w.settled = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// enqueue schedules p for writing and returns a ticket that wait accepts.
func (w *writer) enqueue(p persistedState) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.queued++
	if w.closed {
		logger.Warn("session writer closed, dropping snapshot", logger.String("key", w.key))
		return w.queued
	}

	w.next = &p
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return w.queued
}

// wait blocks until the snapshot identified by ticket, or a newer one, has
// been written (or its write has failed), or the writer has shut down.
func (w *writer) wait(ticket uint64) {
	w.mu.Lock()
	for w.written < ticket && !w.done {
		w.settled.Wait()
	}
	w.mu.Unlock()
}

func (w *writer) flush() {
	w.mu.Lock()
	ticket := w.queued
	w.mu.Unlock()
	w.wait(ticket)
}

func (w *writer) close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.stop)
		<-w.exited
	})
}

func (w *writer) run() {
	defer func() {
		w.mu.Lock()
		w.done = true
		w.settled.Broadcast()
		w.mu.Unlock()
		close(w.exited)
	}()
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *writer) drain() {
	for {
		w.mu.Lock()
		if w.next == nil {
			w.mu.Unlock()
			return
		}
		p := *w.next
		ticket := w.queued
		w.next = nil
		w.mu.Unlock()

		w.save(p)

		w.mu.Lock()
		if ticket > w.written {
			w.written = ticket
		}
		w.settled.Broadcast()
		w.mu.Unlock()
	}
}

func (w *writer) save(p persistedState) {
	data, err := json.Marshal(p)
	if err != nil {
		logger.Error("failed to encode session record", logger.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.store.Set(ctx, w.key, data); err != nil {
		logger.Warn("failed to persist session record",
			logger.String("key", w.key), logger.Err(err))
		return
	}
	logger.Debug("session record persisted",
		logger.String("key", w.key),
		logger.Int("daily_reveal_count", p.DailyRevealCount))
}
