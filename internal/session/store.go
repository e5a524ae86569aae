// Package session owns the client session: who is signed in, the region and
// country the lists are filtered by, and how many coupon codes have been
// revealed today. A subset of it is persisted so it survives restarts.
//
// Every Store method is synchronous and cannot fail. A single mutex
// serializes them, which makes each one atomic with respect to the others;
// in particular RecordReveal increments the counter and raises the
// interstitial flag in one step.
package session

import (
	"context"
	"sync"
	"time"

	"coupon-finder/internal/models"
	"coupon-finder/internal/storage"
)

// Session is a point-in-time copy of the session state.
type Session struct {
	User                *models.User
	Credential          string
	Region              models.Region
	Country             string
	SearchQuery         string
	DailyRevealCount    int
	InterstitialPending bool
	// LastResetAt is when the counter was last zeroed. Zero means unknown.
	LastResetAt         time.Time
}

// Authenticated reports whether a credential is held.
func (s Session) Authenticated() bool {
	return s.Credential != ""
}

// Store is the single source of truth for session state.
type Store struct {
	mu    sync.Mutex
	state Session
	w     *writer
}

// Option configures Open.
type Option func(*options)

type options struct {
	key          string
	writeTimeout time.Duration
}

// WithKey overrides the storage key the persisted slice lives under.
func WithKey(key string) Option {
	return func(o *options) { o.key = key }
}

// WithWriteTimeout bounds each background write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// New returns a Store with default state and no persistence.
func New() *Store {
	return &Store{state: fromPersisted(defaultPersisted())}
}

// Open restores the persisted slice from backend and returns a Store that
// writes every later mutation back to it. A missing or malformed record
// yields the defaults; Open never fails.
func Open(ctx context.Context, backend storage.Store, opts ...Option) *Store {
	o := options{key: StorageKey, writeTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	p := loadPersisted(ctx, backend, o.key)
	return &Store{
		state: fromPersisted(p),
		w:     newWriter(backend, o.key, o.writeTimeout),
	}
}

func fromPersisted(p persistedState) Session {
	s := Session{
		Credential:       p.Credential,
		Region:           p.Region,
		Country:          p.Country,
		DailyRevealCount: p.DailyRevealCount,
	}
	if p.LastResetAt != nil {
		s.LastResetAt = p.LastResetAt.UTC()
	}
	return s
}

// mutate applies fn under the lock and queues the resulting persisted slice.
// The returned ticket is zero when the store has no persistence.
func (s *Store) mutate(fn func(*Session)) (Session, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)
	var ticket uint64
	if s.w != nil {
		ticket = s.w.enqueue(s.state.persisted())
	}
	return s.copyLocked(), ticket
}

// mutateAndWait is mutate followed by waiting for the durable write.
func (s *Store) mutateAndWait(fn func(*Session)) Session {
	snap, ticket := s.mutate(fn)
	if s.w != nil {
		s.w.wait(ticket)
	}
	return snap
}

func (s *Store) copyLocked() Session {
	c := s.state
	if c.User != nil {
		u := *c.User
		c.User = &u
	}
	return c
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// SetUser replaces the identity. nil clears it.
func (s *Store) SetUser(user *models.User) {
	var u *models.User
	if user != nil {
		c := *user
		u = &c
	}
	s.mutate(func(st *Session) { st.User = u })
}

// SetCredential replaces the credential; an empty token removes it. It
// returns once the durable record reflects the change or its write failed.
func (s *Store) SetCredential(token string) {
	s.mutateAndWait(func(st *Session) { st.Credential = token })
}

// Logout clears identity and credential together and removes the persisted
// credential. Filters and the usage counter are kept.
func (s *Store) Logout() {
	s.mutateAndWait(func(st *Session) {
		st.User = nil
		st.Credential = ""
	})
}

// SetRegion switches region and always clears the country.
func (s *Store) SetRegion(region models.Region) {
	s.mutate(func(st *Session) {
		st.Region = region
		st.Country = ""
	})
}

// SetCountry sets the country without checking it against the region; the
// caller only offers countries of the current region. Empty clears it.
func (s *Store) SetCountry(country string) {
	s.mutate(func(st *Session) { st.Country = country })
}

// SetSearchQuery stores the free-text search. It is not persisted.
func (s *Store) SetSearchQuery(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SearchQuery = q
}

// RecordReveal counts one revealed code and returns the resulting state.
// Every third reveal of the day raises InterstitialPending; other reveals
// leave the flag as it is.
func (s *Store) RecordReveal() Session {
	snap, _ := s.mutate(func(st *Session) {
		st.DailyRevealCount++
		if st.DailyRevealCount%InterstitialEvery == 0 {
			st.InterstitialPending = true
		}
	})
	return snap
}

// ResetDailyCount zeroes the counter and stamps LastResetAt, which is
// persisted so a restarted scheduler knows when the next reset is due.
func (s *Store) ResetDailyCount() {
	now := time.Now().UTC()
	s.mutate(func(st *Session) {
		st.DailyRevealCount = 0
		st.LastResetAt = now
	})
}

// ReconcileDailyCount adopts a count reported by the backend. Negative
// values clamp to zero. InterstitialPending is left alone.
func (s *Store) ReconcileDailyCount(n int) {
	if n < 0 {
		n = 0
	}
	s.mutate(func(st *Session) { st.DailyRevealCount = n })
}

// AcknowledgeInterstitial clears the pending interstitial.
func (s *Store) AcknowledgeInterstitial() {
	s.mutate(func(st *Session) { st.InterstitialPending = false })
}

// Flush blocks until every queued write has settled.
func (s *Store) Flush() {
	if s.w != nil {
		s.w.flush()
	}
}

// Close drains pending writes and stops the background writer. The Store
// keeps working in memory afterwards but no longer persists.
func (s *Store) Close() {
	if s.w != nil {
		s.w.close()
	}
}
