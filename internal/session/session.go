// Package session tracks the players that are currently live, keyed by
// name, for the control API and metrics.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/avfeed/internal/player"
)

// ErrExists is returned by Create when a session with the same key is live.
var ErrExists = errors.New("session: already exists")

// Session is one live player.
type Session struct {
	Key       string
	Source    string
	StartedAt time.Time
	Player    *player.Player

	done chan struct{}
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info is the JSON view of a session.
type Info struct {
	Key       string        `json:"key"`
	Source    string        `json:"source"`
	StartedAt int64         `json:"startedAt"`
	UptimeMs  int64         `json:"uptimeMs"`
	Status    player.Status `json:"status"`
}

// Info returns a snapshot of the session and its player.
func (s *Session) Info() Info {
	return Info{
		Key:       s.Key,
		Source:    s.Source,
		StartedAt: s.StartedAt.UnixMilli(),
		UptimeMs:  time.Since(s.StartedAt).Milliseconds(),
		Status:    s.Player.Status(),
	}
}

// Manager manages the lifecycle of live sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers p under key. source describes where the media comes
// from and is only informational.
func (m *Manager) Create(key, source string, p *player.Player) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("%w: %q", ErrExists, key)
	}

	s := &Session{
		Key:       key,
		Source:    source,
		StartedAt: time.Now(),
		Player:    p,
		done:      make(chan struct{}),
	}
	m.sessions[key] = s
	m.log.Info("session created", "key", key, "source", source)
	return s, nil
}

// Run registers p under key, runs it until it returns and removes it
// again. If the key is taken, p is not run and the error wraps ErrExists.
func (m *Manager) Run(ctx context.Context, key, source string, p *player.Player) error {
	if _, err := m.Create(key, source, p); err != nil {
		return err
	}
	defer m.Remove(key)
	return p.Run(ctx)
}

// Remove stops the session's player and forgets it. It is a no-op for
// unknown keys.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		s.Player.Stop()
		close(s.done)
		m.log.Info("session removed", "key", key)
	}
}

// Get returns the live session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Sessions returns every live session, sorted by key.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// List returns a snapshot of every live session, sorted by key.
func (m *Manager) List() []Info {
	ss := m.Sessions()
	out := make([]Info, len(ss))
	for i, s := range ss {
		out[i] = s.Info()
	}
	return out
}

// StopAll stops every live player. Sessions are removed as their Run
// calls return.
func (m *Manager) StopAll() {
	for _, s := range m.Sessions() {
		s.Player.Stop()
	}
}
