package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/conversation"
	"github.com/fipso/contextchat/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	// sendBuffer is the number of outgoing frames queued per client.
	sendBuffer = 256
)

// WSMessage is a frame sent over the websocket in either direction.
//
// Delivery is best effort. Frames are dropped for a client that falls behind,
// so chat.message.chunk frames can arrive with a gap in Seq. Clients should
// treat a gap as a stale stream and reload the message with
// GET /api/chats/{id}/messages, or wait for its chat.message.updated frame.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IncomingChatMessage asks the server to send a message to a chat. The reply
// arrives as events.
type IncomingChatMessage struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// WSClient represents a connected websocket client
type WSClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub
}

// Hub fans store events out to every connected websocket client.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*WSClient
	store    *conversation.Store
	bus      *event.Bus
	subID    string
	upgrader websocket.Upgrader
	logger   *zap.Logger
	closed   bool
}

// NewHub creates a hub and subscribes it to every event on bus.
func NewHub(store *conversation.Store, bus *event.Bus, checkOrigin func(*http.Request) bool, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:  make(map[string]*WSClient),
		store:    store,
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger.Named("websocket"),
	}
	if bus != nil {
		h.subID = bus.Subscribe([]string{"*"}, func(ev event.Event) {
			h.Broadcast("event", ev)
		})
	}
	return h
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &WSClient{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		Hub:  h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Debug("client connected", zap.String("client_id", client.ID))

	go client.writePump()
	go client.readPump()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a frame to all connected clients. Clients whose buffer is
// full miss the frame; see WSMessage for how they recover.
func (h *Hub) Broadcast(msgType string, payload any) {
	data, err := encodeFrame(msgType, payload)
	if err != nil {
		h.logger.Warn("encode frame", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("client send buffer full", zap.String("client_id", client.ID))
		}
	}
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	if h.bus != nil && h.subID != "" {
		h.bus.Unsubscribe(h.subID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, client := range h.clients {
		close(client.Send)
		delete(h.clients, id)
	}
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.Send)
	}
}

func encodeFrame(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(WSMessage{Type: msgType, Payload: raw})
}

func (c *WSClient) readPump() {
	defer func() {
		c.Hub.remove(c)
		c.Conn.Close()
		c.Hub.logger.Debug("client disconnected", zap.String("client_id", c.ID))
	}()

	c.Conn.SetReadLimit(512 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Hub.logger.Debug("invalid frame", zap.Error(err))
		c.reply("error", map[string]string{"error": "invalid frame"})
		return
	}

	switch msg.Type {
	case "chat.send":
		var in IncomingChatMessage
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			c.reply("error", map[string]string{"error": "invalid chat.send payload"})
			return
		}
		go c.sendChatMessage(in)

	case "ping":
		c.reply("pong", nil)

	default:
		c.reply("error", map[string]string{"error": "unknown message type " + msg.Type})
	}
}

// sendChatMessage runs a full turn. Progress reaches the client through the
// event stream; only rejected requests are answered directly.
func (c *WSClient) sendChatMessage(in IncomingChatMessage) {
	_, err := c.Hub.store.SendMessage(context.Background(), in.ChatID, in.Content)
	if err != nil && statusOf(err) < http.StatusInternalServerError {
		c.reply("error", map[string]string{"error": err.Error(), "chatId": in.ChatID})
	}
}

// reply queues a frame for this client only.
func (c *WSClient) reply(msgType string, payload any) {
	data, err := encodeFrame(msgType, payload)
	if err != nil {
		return
	}

	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if _, ok := c.Hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.Send <- data:
	default:
		c.Hub.logger.Warn("client send buffer full", zap.String("client_id", c.ID))
	}
}
