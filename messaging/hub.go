package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandlerFunc reacts to one inbound message.
type HandlerFunc func(ctx context.Context, msg Message)

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) send(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the engine side of the channel. Clients connect over a websocket; every inbound message
// is dispatched to the handlers registered for its type.
type Hub struct {
	notifier Notifier
	appURL   string

	mu       sync.RWMutex
	peers    map[string]*peer
	handlers map[string][]HandlerFunc
}

// NewHub creates a hub that shows notifications through notifier. appURL is attached to
// notification data so an action can bring the application back. A nil notifier logs.
func NewHub(notifier Notifier, appURL string) *Hub {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	h := &Hub{
		notifier: notifier,
		appURL:   appURL,
		peers:    make(map[string]*peer),
		handlers: make(map[string][]HandlerFunc),
	}
	h.Handle(TypeShowNotification, h.showNotification)
	h.Handle(TypeNotificationAction, h.relayNotificationAction)
	return h
}

// Handle registers fn for messages of msgType.
func (h *Hub) Handle(msgType string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = append(h.handlers[msgType], fn)
}

// ServeHTTP upgrades the request and reads messages until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}
	id := uuid.NewString()
	h.mu.Lock()
	h.peers[id] = &peer{conn: conn}
	h.mu.Unlock()
	slog.Debug("Client connected", slog.String("client", id))

	go h.readPump(id, conn)
}

func (h *Hub) readPump(id string, conn *websocket.Conn) {
	defer func() {
		h.drop(id)
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket error", slog.String("client", id), slog.Any("error", err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			slog.Warn("Ignoring malformed message", slog.String("client", id))
			continue
		}
		h.Dispatch(context.Background(), msg)
	}
}

// Dispatch runs the handlers registered for msg.Type. Handler panics are recovered.
func (h *Hub) Dispatch(ctx context.Context, msg Message) {
	h.mu.RLock()
	handlers := append([]HandlerFunc(nil), h.handlers[msg.Type]...)
	h.mu.RUnlock()
	if len(handlers) == 0 {
		slog.Debug("No handler for message", slog.String("type", msg.Type))
		return
	}
	for _, fn := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("Message handler panicked", slog.String("type", msg.Type), slog.Any("panic", p))
				}
			}()
			fn(ctx, msg)
		}()
	}
}

// Broadcast sends msg to every connected client. Clients that cannot be written to are dropped.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode message", slog.String("type", msg.Type), slog.Any("error", err))
		return
	}
	h.mu.RLock()
	peers := make(map[string]*peer, len(h.peers))
	for id, p := range h.peers {
		peers[id] = p
	}
	h.mu.RUnlock()

	for id, p := range peers {
		if err := p.send(data); err != nil {
			slog.Debug("Dropping unreachable client", slog.String("client", id), slog.Any("error", err))
			h.drop(id)
			_ = p.conn.Close()
		}
	}
}

// NotificationAction tells the application the user interacted with a notification.
func (h *Hub) NotificationAction(action string, data map[string]any) {
	h.Broadcast(Message{Type: TypeNotificationAction, Action: action, Data: data})
}

// relayNotificationAction forwards a click reported by the surface that showed a notification to
// every client. Dismissals carry no action and are not forwarded.
func (h *Hub) relayNotificationAction(_ context.Context, msg Message) {
	if msg.Action == "" {
		slog.Debug("Notification dismissed")
		return
	}
	h.NotificationAction(msg.Action, msg.Data)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*peer)
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

func (h *Hub) showNotification(ctx context.Context, msg Message) {
	options := NotificationOptions{}
	if msg.Options != nil {
		options = *msg.Options
	}
	if options.Body == "" {
		options.Body = "New activity in your catalog"
	}
	if options.Icon == "" {
		options.Icon = "/logo192.png"
	}
	if options.Badge == "" {
		options.Badge = "/favicon.ico"
	}
	if options.Tag == "" {
		options.Tag = "catalog-" + uuid.NewString()
	}
	data := make(map[string]any, len(options.Data)+1)
	for k, v := range options.Data {
		data[k] = v
	}
	if h.appURL != "" {
		data["url"] = h.appURL
	}
	options.Data = data
	if len(options.Actions) == 0 {
		options.Actions = []NotificationAction{
			{Action: "open", Title: "Open catalog"},
			{Action: "close", Title: "Close"},
		}
	}
	if err := h.notifier.Notify(ctx, msg.Title, options); err != nil {
		slog.Error("Failed to show notification", slog.String("title", msg.Title), slog.Any("error", err))
	}
}
