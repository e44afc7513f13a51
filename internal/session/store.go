// Package session holds server-side conversation state with sliding TTL
// expiry and per-session execution locks.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// Options configures a Store.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// entry owns one session. Mutation happens under the entry's own mutex so
// unrelated sessions never contend on the table lock.
type entry struct {
	mu      sync.Mutex
	session domain.Session
	// removed is set once the entry left the table; holders of a stale
	// pointer must not resurrect it.
	removed bool
}

type execLock struct {
	sem  chan struct{}
	refs int
}

// Store is a thread-safe in-memory session table.
type Store struct {
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*execLock

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a Store. The sweep interval is clamped to the TTL.
func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sweep := opts.SweepInterval
	if sweep <= 0 || sweep > opts.TTL {
		sweep = opts.TTL
	}
	return &Store{
		ttl:           opts.TTL,
		sweepInterval: sweep,
		now:           now,
		sessions:      make(map[string]*entry),
		locks:         make(map[string]*execLock),
	}
}

// TTL returns the sliding expiry window.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// SweepInterval returns the effective sweep period.
func (s *Store) SweepInterval() time.Duration {
	return s.sweepInterval
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// GetOrCreate returns the live session for id, creating an empty one when it
// is absent or expired. Either way its expiry is pushed forward.
func (s *Store) GetOrCreate(id string) domain.Session {
	for {
		if e := s.lookup(id); e != nil {
			e.mu.Lock()
			if !e.removed {
				now := s.now()
				if e.session.IsExpired(now) {
					e.session = s.newSession(id, now)
				} else {
					e.session.Touch(now, s.ttl)
				}
				snapshot := e.session.Clone()
				e.mu.Unlock()
				return snapshot
			}
			e.mu.Unlock()
		}

		s.mu.Lock()
		if _, exists := s.sessions[id]; exists {
			// lost a race with another creator or a sweep; retry on the live entry
			s.mu.Unlock()
			continue
		}
		e := &entry{session: s.newSession(id, s.now())}
		s.sessions[id] = e
		s.mu.Unlock()

		logrus.WithField("session_id", id).Debug("session created")
		return e.session.Clone()
	}
}

func (s *Store) newSession(id string, now time.Time) domain.Session {
	return domain.Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.ttl),
	}
}

// AppendTurns adds turns to the session and refreshes its expiry. A non-empty
// token replaces the stored resumption token. It reports false, changing
// nothing, when the session is absent or already expired.
func (s *Store) AppendTurns(id string, turns []domain.ConversationTurn, token string) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	if e.removed || e.session.IsExpired(now) {
		logrus.WithField("session_id", id).Debug("append skipped, session expired")
		return false
	}
	e.session.Turns = append(e.session.Turns, turns...)
	if token != "" {
		e.session.ResumptionToken = token
	}
	e.session.Touch(now, s.ttl)
	return true
}

// Get returns a copy of the live session without refreshing it.
func (s *Store) Get(id string) (domain.Session, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.session.IsExpired(s.now()) {
		return domain.Session{}, false
	}
	return e.session.Clone(), true
}

// Delete removes the session and reports whether a live one existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return !e.session.IsExpired(s.now())
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	return entries
}

// List returns summaries of the live sessions, oldest first.
func (s *Store) List() []domain.SessionSummary {
	now := s.now()
	summaries := make([]domain.SessionSummary, 0)
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if !e.removed && !e.session.IsExpired(now) {
			summaries = append(summaries, e.session.Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// Stats reports table occupancy.
func (s *Store) Stats() domain.SessionStats {
	now := s.now()
	var stats domain.SessionStats
	for _, e := range s.snapshot() {
		e.mu.Lock()
		switch {
		case e.removed:
		case e.session.IsExpired(now):
			stats.ExpiredPendingSweep++
		default:
			stats.ActiveCount++
			stats.TotalMessages += len(e.session.Turns)
		}
		e.mu.Unlock()
	}
	return stats
}

// Sweep removes every expired session and returns how many were dropped.
// Candidates are found under the read lock and re-checked before removal,
// so a session refreshed in between survives.
func (s *Store) Sweep() int {
	now := s.now()
	var expired []string
	s.mu.RLock()
	for id, e := range s.sessions {
		e.mu.Lock()
		if e.session.IsExpired(now) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()
	if len(expired) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for _, id := range expired {
		e, ok := s.sessions[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.session.IsExpired(s.now()) {
			e.removed = true
			delete(s.sessions, id)
			removed++
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	logrus.WithField("removed", removed).Debug("session sweep finished")
	return removed
}

// Lock serializes work on one session id. It blocks until the id is free or
// ctx is done and returns the matching unlock function. Lock entries are
// reference counted and dropped when nobody holds or waits for them.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &execLock{sem: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			s.unref(id, l)
		})
	}, nil
}

func (s *Store) unref(id string, l *execLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

// Start runs the background sweep until ctx is cancelled or Close is called.
func (s *Store) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.runSweeper(ctx, s.done)
}

func (s *Store) runSweeper(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logrus.WithField("removed", n).Info("expired sessions swept")
			}
		}
	}
}

// Close stops the sweeper and waits for it to exit.
func (s *Store) Close() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
