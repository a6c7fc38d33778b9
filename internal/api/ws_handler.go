package api

import (
	"context"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/auth"
	"github.com/fathima-sithara/groupsync/internal/engine"
	"github.com/fathima-sithara/groupsync/internal/models"
	"github.com/fathima-sithara/groupsync/internal/session"
)

// wsPayload is the wire shape of an engine notification.
type wsPayload struct {
	Type    string          `json:"type"`
	GroupID string          `json:"group_id,omitempty"`
	Message *models.Message `json:"message,omitempty"`
	Groups  []models.Group  `json:"groups,omitempty"`
	State   string          `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func payloadFrom(n engine.Notification) wsPayload {
	p := wsPayload{
		Type:    string(n.Type),
		GroupID: n.GroupID,
		Message: n.Message,
		Groups:  n.Groups,
	}
	if n.Type == engine.NotifyState {
		p.State = n.State.String()
	}
	if n.Err != nil {
		p.Error = n.Err.Error()
	}
	return p
}

// Hub fans engine notifications out to a user's websocket connections.
// One forwarder goroutine per live session consumes Notifications();
// when the engine closes the channel (logout) the user's connections
// are closed with it.
type Hub struct {
	sessions *session.Manager
	auth     auth.Provider
	log      *zap.SugaredLogger

	mu         sync.RWMutex
	clients    map[string]map[string]*websocket.Conn
	forwarding map[string]bool
}

func NewHub(sessions *session.Manager, authProvider auth.Provider, log *zap.SugaredLogger) *Hub {
	return &Hub{
		sessions:   sessions,
		auth:       authProvider,
		clients:    make(map[string]map[string]*websocket.Conn),
		forwarding: make(map[string]bool),
		log:        log,
	}
}

func (h *Hub) Handle(conn *websocket.Conn) {
	defer conn.Close()

	u, err := h.auth.CurrentUser(conn.Query("token"))
	if err != nil {
		_ = conn.WriteJSON(wsPayload{Type: "error", Error: "invalid token"})
		return
	}
	eng, err := h.sessions.Get(context.Background(), u.ID)
	if err != nil {
		_ = conn.WriteJSON(wsPayload{Type: "error", Error: "sync unavailable"})
		return
	}

	cid := uuid.NewString()
	h.mu.Lock()
	if _, ok := h.clients[u.ID]; !ok {
		h.clients[u.ID] = make(map[string]*websocket.Conn)
	}
	h.clients[u.ID][cid] = conn
	if !h.forwarding[u.ID] {
		h.forwarding[u.ID] = true
		go h.forward(u.ID, eng)
	}
	h.mu.Unlock()

	h.log.Infow("ws connected", "user", u.ID, "conn", cid)

	// inbound frames are ignored; the read loop only detects disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients[u.ID], cid)
	if len(h.clients[u.ID]) == 0 {
		delete(h.clients, u.ID)
	}
	h.mu.Unlock()
	h.log.Infow("ws disconnected", "user", u.ID, "conn", cid)
}

func (h *Hub) forward(userID string, eng *engine.Engine) {
	for n := range eng.Notifications() {
		h.sendToUser(userID, payloadFrom(n))
	}
	// engine closed: drop the forwarder and close remaining conns
	h.mu.Lock()
	delete(h.forwarding, userID)
	conns := h.clients[userID]
	delete(h.clients, userID)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Hub) sendToUser(userID string, payload wsPayload) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		if err := c.WriteJSON(payload); err != nil {
			h.log.Debugw("ws write", "user", userID, "err", err)
		}
	}
}
