// Package identity tracks gateway sessions and the minimal permission
// set the security tools consult. It is a thin collaborator: no password
// verification or role storage, just session-keyed identity the core
// stamps onto audit entries.
package identity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// PermissionKeyRecovery gates the escrow recovery tool.
const PermissionKeyRecovery = "key.recover"

// Session binds a gateway connection to a user and to the agents
// registered for it.
type Session struct {
	ID              string
	UserID          string
	CreatedAt       time.Time
	LastActive      time.Time
	Permissions     map[string]bool
	PromptAgentID   uuid.UUID
	ResponseAgentID uuid.UUID
}

// Manager owns the session table. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "identity"),
	}
}

// Create registers a session for the given user. Creating an id that
// already exists is a validation error; sessions are never silently
// replaced.
func (m *Manager) Create(sessionID, userID string) (*Session, error) {
	const op = "identity.Create"

	if sessionID == "" {
		return nil, secerr.New(secerr.KindValidation, op, "session id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, secerr.New(secerr.KindValidation, op, "session %s already exists", sessionID)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:          sessionID,
		UserID:      userID,
		CreatedAt:   now,
		LastActive:  now,
		Permissions: make(map[string]bool),
	}
	m.sessions[sessionID] = session
	m.logger.Info("session created", "session_id", sessionID, "user_id", userID)
	return copySession(session), nil
}

// Get returns the session and refreshes its activity timestamp.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	session.LastActive = time.Now().UTC()
	return copySession(session), true
}

// SetAgents records the agent identities registered for the session.
func (m *Manager) SetAgents(sessionID string, promptID, responseID uuid.UUID) error {
	const op = "identity.SetAgents"

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return secerr.New(secerr.KindNotFound, op, "session %s not found", sessionID)
	}
	session.PromptAgentID = promptID
	session.ResponseAgentID = responseID
	return nil
}

// Grant adds a permission to the session.
func (m *Manager) Grant(sessionID, permission string) error {
	const op = "identity.Grant"

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return secerr.New(secerr.KindNotFound, op, "session %s not found", sessionID)
	}
	session.Permissions[permission] = true
	return nil
}

// HasPermission reports whether the session holds the permission.
// Unknown sessions hold nothing.
func (m *Manager) HasPermission(sessionID, permission string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	return ok && session.Permissions[permission]
}

// Delete removes the session. Unknown ids are a no-op.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CleanupStale removes sessions inactive for longer than maxAge and
// returns the removed count.
func (m *Manager) CleanupStale(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for id, session := range m.sessions {
		if now.Sub(session.LastActive) > maxAge {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("cleaned up stale sessions", "removed", removed)
	}
	return removed
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Permissions = make(map[string]bool, len(s.Permissions))
	for k, v := range s.Permissions {
		cp.Permissions[k] = v
	}
	return &cp
}
