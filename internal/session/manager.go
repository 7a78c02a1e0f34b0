package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// State is the lifecycle of one connected client.
type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateDisconnected State = "disconnected"
)

// Cursor is a caret position.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range is a character selection [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Session is one live client on one document. Presence fields are
// last-write-wins and never persisted.
type Session struct {
	ID         string  `json:"session_id"`
	DocumentID string  `json:"document_id"`
	UserID     uint64  `json:"user_id"`
	UserName   string  `json:"user_name"`
	State      State   `json:"state"`
	Cursor     *Cursor `json:"cursor,omitempty"`
	Selection  *Range  `json:"selection,omitempty"`
	Status     string  `json:"status,omitempty"`

	lastSeen     time.Time // heartbeat liveness
	lastActivity time.Time // edits/presence, drives idle transition
}

// PresenceUpdate carries a partial presence change; nil fields are untouched.
type PresenceUpdate struct {
	Cursor    *Cursor `json:"cursor,omitempty"`
	Selection *Range  `json:"selection,omitempty"`
	Status    string  `json:"status,omitempty"`
}

// ChangeListener receives the active session list of a document after any
// membership change. Called outside the manager's lock.
type ChangeListener func(documentID string, active []Session)

// ExpireListener receives the id of a session dropped by the liveness sweep,
// so the transport can tear the underlying connection down. Called outside
// the manager's lock, after the session is gone.
type ExpireListener func(sessionID string)

// Manager owns session membership, presence and liveness. All mutations of a
// document's session set go through the manager's single lock, so concurrent
// joins and leaves cannot corrupt it.
type Manager struct {
	mu    sync.Mutex
	byID  map[string]*Session
	byDoc map[string]map[string]*Session

	grace     time.Duration
	idleAfter time.Duration
	now       func() time.Time

	presence *PresenceCache // optional redis mirror, may be nil
	listener ChangeListener
	expire   ExpireListener
	logger   zerolog.Logger
}

func NewManager(grace, idleAfter time.Duration, presence *PresenceCache, logger zerolog.Logger) *Manager {
	return &Manager{
		byID:      make(map[string]*Session),
		byDoc:     make(map[string]map[string]*Session),
		grace:     grace,
		idleAfter: idleAfter,
		now:       time.Now,
		presence:  presence,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// OnChange registers the membership listener. Must be set during wiring.
func (m *Manager) OnChange(l ChangeListener) {
	m.listener = l
}

// OnExpire registers the timeout listener. Must be set during wiring.
func (m *Manager) OnExpire(l ExpireListener) {
	m.expire = l
}

// Join creates a session in connecting state. The session only enters the
// broadcast set once Activate is called (after the client acks state sync).
func (m *Manager) Join(ctx context.Context, documentID string, userID uint64, userName string) *Session {
	s := &Session{
		ID:         xid.New().String(),
		DocumentID: documentID,
		UserID:     userID,
		UserName:   userName,
		State:      StateConnecting,
	}
	now := m.now()
	s.lastSeen = now
	s.lastActivity = now

	m.mu.Lock()
	m.byID[s.ID] = s
	if m.byDoc[documentID] == nil {
		m.byDoc[documentID] = make(map[string]*Session)
	}
	m.byDoc[documentID][s.ID] = s
	m.mu.Unlock()

	if m.presence != nil {
		if err := m.presence.Add(ctx, documentID, s.ID, userName, m.grace); err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.ID).Msg("presence mirror add failed")
		}
	}
	return m.snapshot(s)
}

// Activate transitions a connecting session to active and announces it.
func (m *Manager) Activate(sessionID string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	s.State = StateActive
	s.lastSeen = m.now()
	s.lastActivity = s.lastSeen
	doc := s.DocumentID
	snap := m.snapshot(s)
	m.mu.Unlock()

	m.notify(doc)
	return snap, true
}

// UpdatePresence applies a last-write-wins presence change and marks the
// session active again if it had gone idle.
func (m *Manager) UpdatePresence(ctx context.Context, sessionID string, update PresenceUpdate) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok || s.State == StateDisconnected {
		m.mu.Unlock()
		return nil, false
	}
	if update.Cursor != nil {
		s.Cursor = update.Cursor
	}
	if update.Selection != nil {
		s.Selection = update.Selection
	}
	if update.Status != "" {
		s.Status = update.Status
	}
	s.lastActivity = m.now()
	if s.State == StateIdle {
		s.State = StateActive
	}
	snap := m.snapshot(s)
	m.mu.Unlock()

	if m.presence != nil {
		if err := m.presence.SetCursor(ctx, snap.DocumentID, sessionID, update, m.grace); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("presence mirror cursor failed")
		}
	}
	return snap, true
}

// Touch records inbound activity (an edit) without presence payload.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		s.lastActivity = m.now()
		if s.State == StateIdle {
			s.State = StateActive
		}
	}
}

// Heartbeat resets the liveness timer.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok || s.State == StateDisconnected {
		m.mu.Unlock()
		return false
	}
	s.lastSeen = m.now()
	doc, name := s.DocumentID, s.UserName
	m.mu.Unlock()

	if m.presence != nil {
		if err := m.presence.Add(ctx, doc, sessionID, name, m.grace); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("presence mirror refresh failed")
		}
	}
	return true
}

// Leave tears a session down. Safe to call repeatedly or for sessions that
// already timed out.
func (m *Manager) Leave(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.State = StateDisconnected
	delete(m.byID, sessionID)
	if peers, ok := m.byDoc[s.DocumentID]; ok {
		delete(peers, sessionID)
		if len(peers) == 0 {
			delete(m.byDoc, s.DocumentID)
		}
	}
	doc := s.DocumentID
	m.mu.Unlock()

	if m.presence != nil {
		if err := m.presence.Remove(ctx, doc, sessionID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("presence mirror remove failed")
		}
	}
	m.notify(doc)
}

// Get returns a copy of the session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, false
	}
	return m.snapshot(s), true
}

// Active returns the broadcast set of a document: active and idle sessions.
func (m *Manager) Active(documentID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(documentID)
}

func (m *Manager) activeLocked(documentID string) []Session {
	out := make([]Session, 0, len(m.byDoc[documentID]))
	for _, s := range m.byDoc[documentID] {
		if s.State == StateActive || s.State == StateIdle {
			out = append(out, *m.snapshot(s))
		}
	}
	return out
}

// Sweep enforces the liveness contract: sessions silent past the grace
// window are dropped, active sessions without local activity go idle.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var expired []*Session
	for _, s := range m.byID {
		switch {
		case now.Sub(s.lastSeen) > m.grace:
			expired = append(expired, s)
		case s.State == StateActive && now.Sub(s.lastActivity) > m.idleAfter:
			s.State = StateIdle
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info().
			Str("session_id", s.ID).
			Str("document_id", s.DocumentID).
			Msg("session timed out")
		m.Leave(ctx, s.ID)
		if m.expire != nil {
			m.expire(s.ID)
		}
	}
}

// Run sweeps on interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) notify(documentID string) {
	if m.listener == nil {
		return
	}
	m.mu.Lock()
	active := m.activeLocked(documentID)
	m.mu.Unlock()
	m.listener(documentID, active)
}

// snapshot copies the exported fields so callers never alias live state.
func (m *Manager) snapshot(s *Session) *Session {
	copied := *s
	return &copied
}

// LastSeen is exposed for tests.
func (s *Session) LastSeen() time.Time { return s.lastSeen }
