package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/transport"
)

const sendBuffer = 64

var relayedEvents = []string{
	domain.EventParticipantJoined,
	domain.EventGameStarted,
	domain.EventAnswerSubmitted,
	domain.EventGameEnded,
}

// Hub relays deduplicated bridge events to websocket clients watching a
// session. It is a read-only window for the presentation layer; commands go
// through the HTTP API.
type Hub struct {
	bridge   *transport.Bridge
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*hubSession
}

type hubSession struct {
	clients map[*hubClient]bool
	cancels []func()
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(bridge *transport.Bridge) *Hub {
	return &Hub{
		bridge: bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*hubSession),
	}
}

// Serve upgrades the connection and streams the session's events until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	cl := &hubClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.register(sessionID, cl)

	go cl.writePump()
	go h.readPump(sessionID, cl)

	return nil
}

func (h *Hub) register(sessionID string, cl *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs := h.sessions[sessionID]
	if hs == nil {
		hs = &hubSession{clients: make(map[*hubClient]bool)}
		h.sessions[sessionID] = hs

		for _, eventType := range relayedEvents {
			cancel := h.bridge.Subscribe(context.Background(), sessionID, eventType,
				func(_ context.Context, ev transport.Event) error {
					h.broadcast(sessionID, ev)
					return nil
				})
			hs.cancels = append(hs.cancels, cancel)
		}
	}

	hs.clients[cl] = true
}

func (h *Hub) unregister(sessionID string, cl *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs := h.sessions[sessionID]
	if hs == nil || !hs.clients[cl] {
		return
	}

	delete(hs.clients, cl)
	close(cl.send)

	if len(hs.clients) == 0 {
		for _, cancel := range hs.cancels {
			cancel()
		}
		delete(h.sessions, sessionID)
	}
}

func (h *Hub) broadcast(sessionID string, ev transport.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("ws: marshal event failed", "event", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	hs := h.sessions[sessionID]
	if hs == nil {
		return
	}

	for cl := range hs.clients {
		select {
		case cl.send <- b:
		default:
			slog.Warn("ws: client buffer full, dropping", "session", sessionID, "event", ev.Type)
		}
	}
}

func (h *Hub) readPump(sessionID string, cl *hubClient) {
	defer func() {
		h.unregister(sessionID, cl)
		_ = cl.conn.Close()
	}()

	// Clients send nothing meaningful; reading only detects disconnects.
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (cl *hubClient) writePump() {
	defer cl.conn.Close()

	for msg := range cl.send {
		if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Stop disconnects every client and releases all bridge subscriptions.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, hs := range h.sessions {
		for cl := range hs.clients {
			close(cl.send)
		}
		for _, cancel := range hs.cancels {
			cancel()
		}
		delete(h.sessions, sessionID)
	}
}
