package relay

import (
	"context"
	"sync"
	"time"

	"ssrelay/internal/logging"
)

// UDPSessionStore maps a client source endpoint to its Session and
// evicts idle entries on a ticker, the same shape as the teacher's
// generic TTL-backed session manager, specialized to *Session instead
// of a generic value type.
type UDPSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*udpEntry
	ttl      time.Duration
	logger   logging.Logger
}

type udpEntry struct {
	session   *Session
	expiresAt time.Time
}

func NewUDPSessionStore(ttl time.Duration, logger logging.Logger) *UDPSessionStore {
	return &UDPSessionStore{
		sessions: make(map[string]*udpEntry),
		ttl:      ttl,
		logger:   logger,
	}
}

// Get returns the live session for key, refreshing its expiry, or
// (nil, false) if none exists.
func (s *UDPSessionStore) Get(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	e.expiresAt = time.Now().Add(s.ttl)
	return e.session, true
}

// Put registers a newly created session under key.
func (s *UDPSessionStore) Put(key string, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = &udpEntry{session: session, expiresAt: time.Now().Add(s.ttl)}
}

// Remove drops key, e.g. once its session has closed itself.
func (s *UDPSessionStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Run sweeps expired entries every interval until ctx is cancelled,
// closing each evicted session. Intended to run in its own goroutine,
// coordinated by the owning acceptor's errgroup.
func (s *UDPSessionStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, session := range s.sweep(now) {
				s.logger.Debug("evicting idle UDP session")
				session.Close()
			}
		}
	}
}

func (s *UDPSessionStore) sweep(now time.Time) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Session
	for key, e := range s.sessions {
		if now.After(e.expiresAt) {
			expired = append(expired, e.session)
			delete(s.sessions, key)
		}
	}
	return expired
}
