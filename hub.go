/*
Copyright © 2026 sbrin
*/

package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Event names pushed to clients.
const (
	eventPartnerFound     = "partner_found"
	eventPartnerCancelled = "partner_cancelled"
	eventSessionStarted   = "session_started"
	eventSessionStep      = "session_step"
	eventSessionEnded     = "session_ended"
)

// envelope wraps every pushed event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type SessionRefEvent struct {
	SessionID string `json:"sessionId"`
}

type SessionEndedEvent struct {
	SessionID string    `json:"sessionId"`
	Reason    EndReason `json:"reason"`
}

type StepActor struct {
	Name       ActorName `json:"name"`
	AvatarPath string    `json:"avatarPath,omitempty"`
}

type StepChoice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// StepEvent is the full session_step payload: everything a client needs
// to render one turn of the dialog.
type StepEvent struct {
	SessionID        string       `json:"sessionId"`
	StepID           string       `json:"stepId"`
	Actor            StepActor    `json:"actor"`
	BubbleText       string       `json:"bubbleText"`
	Choices          []StepChoice `json:"choices"`
	VideoURL         string       `json:"videoUrl"`
	TurnDeviceID     string       `json:"turnDeviceId"`
	PreloadVideoURLs []string     `json:"preloadVideoUrls,omitempty"`
}

type client struct {
	conn     *websocket.Conn
	send     chan envelope
	deviceID string
	closed   bool
}

// close releases the send channel so writePump exits and tears the
// socket down. Callers must hold the store lock; safe to call more than
// once.
func (c *client) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub delivers events to connected clients by device id. Delivery is
// fire-and-forget: an absent or saturated handle drops the event.
type Hub struct {
	cfg   *Config
	store *Store
}

func newHub(cfg *Config, store *Store) *Hub {
	return &Hub{cfg: cfg, store: store}
}

// emit queues an event for a device. Callers must hold the store lock.
// Returns false when the device has no live connection.
func (h *Hub) emit(deviceID, event string, data any) bool {
	user, ok := h.store.users[deviceID]
	if !ok || user.Conn == nil || user.Conn.closed {
		return false
	}

	select {
	case user.Conn.send <- envelope{Event: event, Data: data}:
		return true
	default:
		// Slow consumer; stop sending rather than block the store. The
		// handle stays on the user so the read pump's teardown still runs
		// the disconnect cleanup once the socket drops.
		user.Conn.close()
		return false
	}
}

func (h *Hub) emitPartnerFound(deviceID, sessionID string) bool {
	return h.emit(deviceID, eventPartnerFound, SessionRefEvent{SessionID: sessionID})
}

func (h *Hub) emitPartnerCancelled(deviceID, sessionID string) bool {
	return h.emit(deviceID, eventPartnerCancelled, SessionRefEvent{SessionID: sessionID})
}

func (h *Hub) emitSessionStarted(deviceID, sessionID string) bool {
	return h.emit(deviceID, eventSessionStarted, SessionRefEvent{SessionID: sessionID})
}

func (h *Hub) emitSessionStep(deviceID string, step StepEvent) bool {
	return h.emit(deviceID, eventSessionStep, step)
}

func (h *Hub) emitSessionEnded(deviceID, sessionID string, reason EndReason) bool {
	return h.emit(deviceID, eventSessionEnded, SessionEndedEvent{SessionID: sessionID, Reason: reason})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades a realtime connection. The client must present its
// device id at connect time; invalid auth is rejected and the connection
// closed immediately.
func serveWS(cfg *Config, store *Store, hub *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		deviceID := r.URL.Query().Get("deviceId")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "WS: upgrade error: %v", err)
			return
		}

		if len(deviceID) < minIDLength {
			_ = conn.WriteJSON(envelope{Event: "error", Data: "INVALID_AUTH"})
			_ = conn.Close()
			return
		}

		c := &client{
			conn:     conn,
			send:     make(chan envelope, 16),
			deviceID: deviceID,
		}

		store.Lock()
		user := store.ensureUser(deviceID)
		if user.Conn != nil {
			// Newest socket wins; release the superseded handle so its
			// write pump exits instead of idling forever.
			user.Conn.close()
		}
		user.Conn = c
		store.Unlock()

		logf(cfg, "WS: %s connected", deviceID)

		go c.writePump()
		c.readPump(cfg, store, hub)
	}
}

// readPump drains the connection until it drops. Clients make all their
// requests over HTTP, so inbound frames only matter as liveness: the read
// error is the disconnect signal.
func (c *client) readPump(cfg *Config, store *Store, hub *Hub) {
	defer func() {
		_ = c.conn.Close()
		c.disconnect(cfg, store, hub)
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// disconnect clears the user's handle if this socket is still the live
// one, then treats the drop as an implicit search cancellation so a
// waiting partner is notified instead of left hanging. A stale socket
// racing a fresh reconnect cleans up nothing.
func (c *client) disconnect(cfg *Config, store *Store, hub *Hub) {
	store.Lock()
	defer store.Unlock()

	user, ok := store.users[c.deviceID]
	if !ok || user.Conn != c {
		return
	}
	user.Conn = nil
	c.close()

	result := cancelSearch(store, c.deviceID)
	if result.PartnerID != "" && result.SessionID != "" {
		logf(cfg, "WS: %s disconnected, dissolved session %s", c.deviceID, result.SessionID)
		hub.emitPartnerCancelled(result.PartnerID, result.SessionID)
	} else {
		logf(cfg, "WS: %s disconnected", c.deviceID)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
