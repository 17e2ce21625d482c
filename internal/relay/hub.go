package relay

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultFlushInterval = 30 * time.Second

// HubConfig carries the dependencies shared by all sessions.
type HubConfig struct {
	Flusher       Flusher
	FlushInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Hub tracks the live session actors, one per map. Sessions are created
// lazily on first connection and torn down when the last connection leaves.
type Hub struct {
	cfg HubConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub constructs the session hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &Hub{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Join attaches the client to the map's session, creating the actor if this
// is the first connection. A session observed mid-teardown is replaced.
func (h *Hub) Join(mapID string, client *Client) *Session {
	for {
		session := h.session(mapID)
		err := session.Join(client)
		if err == nil {
			return session
		}
		if errors.Is(err, ErrSessionClosed) {
			h.remove(session)
			continue
		}
		return session
	}
}

// SessionCount reports the number of live map sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) session(mapID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if session, ok := h.sessions[mapID]; ok {
		return session
	}
	session := newSession(mapID, h.cfg, h.remove)
	h.sessions[mapID] = session
	return session
}

func (h *Hub) remove(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.sessions[session.mapID]; ok && current == session {
		delete(h.sessions, session.mapID)
	}
}
