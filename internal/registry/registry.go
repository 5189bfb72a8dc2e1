// Package registry is the single owner of every live Session: its
// configuration, its transport handle, and its activity timestamps. It
// generalizes the teacher's internal/ssh Manager — a map keyed by
// connection alias guarded by one lock, with a second per-alias lock for
// the connection itself — from a one-shot command runner's "alias" to
// this gateway's interactive "session ID".
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/model"
	"gossh-gateway/internal/sshengine"
)

// Session is one registry entry: its declared configuration, its live
// transport (nil until Connect succeeds), and the bookkeeping the
// sweeper and pump need. All mutation of a Session's fields must hold
// its own lock, not the Registry's.
type Session struct {
	ID     string
	Config model.SessionConfig

	mu           sync.Mutex
	transport    *sshengine.Transport
	connected    bool
	cols, rows   uint16
	createdAt    time.Time
	lastActivity time.Time
}

// Lock and Unlock expose the entry lock directly to callers (the SSH
// Session Engine operations, the Output Pump) that need to serialize a
// sequence of transport calls without the Registry knowing about them.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Transport returns the session's transport handle. Callers must hold
// the session lock.
func (s *Session) Transport() *sshengine.Transport { return s.transport }

// SetTransport installs the transport produced by a successful Connect
// and marks the session connected. Callers must hold the session lock.
func (s *Session) SetTransport(t *sshengine.Transport) {
	s.transport = t
	s.connected = t != nil
}

// Connected reports the session's last-known connection state. Callers
// must hold the session lock.
func (s *Session) Connected() bool { return s.connected }

// MarkDisconnected flips the connected flag without discarding the
// transport handle, so callers can still inspect buffered output after
// a shell exit. Callers must hold the session lock.
func (s *Session) MarkDisconnected() { s.connected = false }

// Size returns the session's current PTY size. Callers must hold the
// session lock.
func (s *Session) Size() (cols, rows uint16) { return s.cols, s.rows }

// SetSize records a new PTY size. Callers must hold the session lock.
func (s *Session) SetSize(cols, rows uint16) { s.cols, s.rows = cols, rows }

// Touch records activity, resetting the idle timer. Safe without the
// session lock: it only ever moves lastActivity forward.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Registry holds every live Session behind an outer RWMutex, with each
// Session individually lockable for the duration of a transport
// operation — the same two-level locking shape as the teacher's
// Manager.connections + per-connection mutex.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	log         zerolog.Logger
}

// New builds an empty Registry. idleTimeout of zero disables the idle
// sweep (Sweep becomes a no-op). log receives a session_expired entry
// per session the idle sweeper reaps.
func New(idleTimeout time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		log:         log,
	}
}

// Insert validates cfg, then creates and stores a new Session for id.
// Per the duplicate identifier policy, an existing entry for id is
// disconnected and replaced rather than rejected.
func (r *Registry) Insert(id string, cfg model.SessionConfig) (*Session, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.sessions[id]; exists {
		old.Lock()
		if old.transport != nil {
			old.transport.Disconnect()
		}
		old.connected = false
		old.Unlock()
		delete(r.sessions, id)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Config:       cfg,
		createdAt:    now,
		lastActivity: now,
	}
	r.sessions[id] = s
	return s, nil
}

func validateConfig(cfg model.SessionConfig) error {
	if strings.TrimSpace(cfg.Hostname) == "" {
		return apperr.New(apperr.InvalidConfig, "hostname must not be empty")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return apperr.New(apperr.InvalidConfig, "username must not be empty")
	}
	if cfg.Port == 0 {
		return apperr.New(apperr.InvalidConfig, "port must be non-zero")
	}
	hasPassword := cfg.Password != ""
	hasKey := cfg.PrivateKey != ""
	if hasPassword == hasKey {
		return apperr.New(apperr.InvalidConfig, "exactly one of password or privateKey must be supplied")
	}
	return nil
}

// Get returns the session for id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// MustGet returns the session for id, or a SessionNotFound error.
func (r *Registry) MustGet(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, apperr.New(apperr.SessionNotFound, "no such session: "+id)
	}
	return s, nil
}

// Remove deletes id from the registry and returns the removed session,
// if any. It does not disconnect the session's transport — callers
// that want a clean shutdown should do that themselves under the
// session's own lock before or after removal.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// List returns a snapshot of every registered session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep disconnects and removes every session idle longer than the
// registry's idle timeout, returning the IDs it reaped. Safe to call on
// a timer from RunSweeper or directly from a test.
func (r *Registry) Sweep() []string {
	if r.idleTimeout <= 0 {
		return nil
	}

	var stale []string
	for _, s := range r.List() {
		if s.idleSince() >= r.idleTimeout {
			stale = append(stale, s.ID)
		}
	}

	for _, id := range stale {
		s, ok := r.Remove(id)
		if !ok {
			continue
		}
		s.Lock()
		if s.transport != nil {
			s.transport.Disconnect()
		}
		s.connected = false
		s.Unlock()
		r.log.Info().Str("session", id).Msg("session_expired")
	}
	return stale
}

// RunSweeper sweeps idle sessions every interval until ctx is canceled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown disconnects and removes every session, for use during
// graceful server shutdown.
func (r *Registry) Shutdown() {
	for _, s := range r.List() {
		r.Remove(s.ID)
		s.Lock()
		if s.transport != nil {
			s.transport.Disconnect()
		}
		s.connected = false
		s.Unlock()
	}
}
