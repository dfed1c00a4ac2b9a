// Package presence tracks which live-stream sessions are currently connected.
//
// The Registry is the single in-process table of reachable sessions. Every
// operation is one critical section under a RWMutex, so concurrent connects,
// heartbeats and disconnects never double count a session.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"notifyhub/internal/eventbus"
)

// DefaultActiveWindow is twice the 30s live-stream heartbeat.
const DefaultActiveWindow = 60 * time.Second

// ErrSessionOwned is returned by RegisterOwned when the session id is
// registered to another user.
var ErrSessionOwned = errors.New("session belongs to another user")

// Sink receives frames for one live session. Send must not block; a full or
// closed sink returns an error.
type Sink interface {
	Send(frame []byte) error
}

// closer is implemented by sinks whose connection should end once the
// registry drops them.
type closer interface {
	Close()
}

func closeSink(s Sink) {
	if c, ok := s.(closer); ok {
		c.Close()
	}
}

// Session is a snapshot of one registry entry.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	IsPWA          bool      `json:"is_pwa"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	sink Sink
}

// Sink returns the live sink bound to the session, or nil.
func (s Session) Sink() Sink { return s.sink }

type Stats struct {
	TotalClients   int `json:"totalClients"`
	PWAClients     int `json:"pwaClients"`
	RegularClients int `json:"regularClients"`
	ActiveClients  int `json:"activeClients"`
}

type RegisterResult struct {
	Accepted bool  `json:"accepted"`
	Created  bool  `json:"created"`
	Stats    Stats `json:"stats"`
}

type Option func(*Registry)

// WithClock overrides time.Now. Tests use it to drive the active window.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithActiveWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(r *Registry) {
		if b != nil {
			r.bus = b
		}
	}
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	window time.Duration
	now    func() time.Time
	bus    eventbus.Bus
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: map[string]*Session{},
		byUser:   map[string]map[string]struct{}{},
		window:   DefaultActiveWindow,
		now:      time.Now,
		bus:      eventbus.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetActiveWindow changes the freshness window used by Stats.
func (r *Registry) SetActiveWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.window = d
	r.mu.Unlock()
}

func (r *Registry) ActiveWindow() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.window
}

// Register adds or refreshes the entry for sessionID. Registering an existing
// session replaces its user, PWA flag and sink without creating a duplicate.
// A replaced sink is closed.
func (r *Registry) Register(userID, sessionID string, isPWA bool, sink Sink) RegisterResult {
	res, _ := r.register(userID, sessionID, isPWA, sink, false)
	return res
}

// RegisterOwned is Register for client-supplied session ids: it refuses a
// session currently registered to a different user.
func (r *Registry) RegisterOwned(userID, sessionID string, isPWA bool, sink Sink) (RegisterResult, error) {
	return r.register(userID, sessionID, isPWA, sink, true)
}

func (r *Registry) register(userID, sessionID string, isPWA bool, sink Sink, owned bool) (RegisterResult, error) {
	now := r.now()

	r.mu.Lock()
	s, exists := r.sessions[sessionID]
	if exists && owned && s.UserID != userID {
		stats := r.statsLocked(now)
		r.mu.Unlock()
		return RegisterResult{Stats: stats}, ErrSessionOwned
	}
	var replaced Sink
	if exists {
		if s.UserID != userID {
			r.unindexLocked(s.UserID, sessionID)
		}
		s.UserID = userID
		s.IsPWA = isPWA
		s.ConnectedAt = now
		s.LastActivityAt = now
		if sink != nil {
			if s.sink != nil && s.sink != sink {
				replaced = s.sink
			}
			s.sink = sink
		}
	} else {
		r.sessions[sessionID] = &Session{
			SessionID:      sessionID,
			UserID:         userID,
			IsPWA:          isPWA,
			ConnectedAt:    now,
			LastActivityAt: now,
			sink:           sink,
		}
	}
	idx, ok := r.byUser[userID]
	if !ok {
		idx = map[string]struct{}{}
		r.byUser[userID] = idx
	}
	idx[sessionID] = struct{}{}
	stats := r.statsLocked(now)
	r.mu.Unlock()

	if replaced != nil {
		closeSink(replaced)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.PresenceRegistered, Data: Session{SessionID: sessionID, UserID: userID, IsPWA: isPWA}})
	return RegisterResult{Accepted: true, Created: !exists, Stats: stats}, nil
}

// Touch refreshes LastActivityAt. It reports false for an unknown session so
// the caller can ask the client to re-register.
func (r *Registry) Touch(sessionID string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastActivityAt = now
	return true
}

// Unregister removes the session and closes its sink, which ends the live
// connection. Unknown ids are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.remove(sessionID, nil)
}

// UnregisterSink removes the session only while it is still bound to sink,
// so a closing connection cannot evict a newer connection that re-registered
// the same session id.
func (r *Registry) UnregisterSink(sessionID string, sink Sink) {
	r.remove(sessionID, sink)
}

func (r *Registry) remove(sessionID string, sink Sink) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || (sink != nil && s.sink != sink) {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.unindexLocked(s.UserID, sessionID)
	userID, dropped := s.UserID, s.sink
	r.mu.Unlock()

	if dropped != nil {
		closeSink(dropped)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.PresenceUnregistered, Data: Session{SessionID: sessionID, UserID: userID}})
}

func (r *Registry) unindexLocked(userID, sessionID string) {
	idx, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(idx, sessionID)
	if len(idx) == 0 {
		delete(r.byUser, userID)
	}
}

// Stats counts sessions. Stale sessions are counted in the totals but not
// as active, and are not evicted.
func (r *Registry) Stats() Stats {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked(now)
}

func (r *Registry) statsLocked(now time.Time) Stats {
	st := Stats{TotalClients: len(r.sessions)}
	cutoff := now.Add(-r.window)
	for _, s := range r.sessions {
		if s.IsPWA {
			st.PWAClients++
		} else {
			st.RegularClients++
		}
		if s.LastActivityAt.After(cutoff) {
			st.ActiveClients++
		}
	}
	return st
}

// DetailsForUser returns copies of the user's sessions, oldest first.
func (r *Registry) DetailsForUser(userID string) []Session {
	r.mu.RLock()
	idx := r.byUser[userID]
	out := make([]Session, 0, len(idx))
	for id := range idx {
		if s, ok := r.sessions[id]; ok {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

// Details returns copies of every session, oldest first.
func (r *Registry) Details() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

// Users lists every user with at least one session.
func (r *Registry) Users() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].ConnectedAt.Equal(s[j].ConnectedAt) {
			return s[i].SessionID < s[j].SessionID
		}
		return s[i].ConnectedAt.Before(s[j].ConnectedAt)
	})
}
