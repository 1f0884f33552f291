// Package websocket pushes live queue updates to department screens. Clients
// subscribe to topics (a department board such as "lab", or a single
// patient) and receive every event published to them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event is one queue update.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	PatientID  string          `json:"patient_id,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is a single connected screen.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
}

func NewClient(userID string, topics []string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Topics: normalizeTopics(topics),
		Send:   make(chan []byte, sendBuffer),
	}
}

func normalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range normalizeTopics(topics) {
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]bool, len(topics))
	for _, t := range normalizeTopics(topics) {
		drop[t] = true
		h.remove(t, client)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if !drop[t] {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers event to the subscribers of event.Topic. A client whose
// buffer is full misses the event rather than stalling the publisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[event.Topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", event.Topic).Msg("queue board client is slow, event dropped")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// =========== HTTP upgrade ===========

// Handler upgrades staff requests to WebSocket connections on the hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	identity func(ctx context.Context) string
}

// NewHandler accepts connections from allowedOrigins; an empty list accepts
// any origin. identity names the authenticated user for logging.
func NewHandler(hub *Hub, allowedOrigins []string, identity func(ctx context.Context) string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Handler{
		hub:      hub,
		identity: identity,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

// RegisterRoutes mounts GET /ws/queues?topics=a,b on g.
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/ws/queues", h.Connect, mw...)
}

// Connect upgrades the request, registers the client with the initial
// topics from the query string and starts its read and write pumps.
func (h *Handler) Connect(c echo.Context) error {
	user := ""
	if h.identity != nil {
		user = h.identity(c.Request().Context())
	}
	// Registered before the handshake completes so no event published after
	// the client sees 101 is missed.
	client := NewClient(user, strings.Split(c.QueryParam("topics"), ","))
	h.hub.Register(client)

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.hub.Unregister(client)
		return err
	}
	h.hub.logger.Debug().Str("client_id", client.ID).Str("user", user).Strs("topics", client.Topics).Msg("queue board connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
