package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the application side of the channel.
type Client struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	incoming chan Message
	done     chan struct{}
	once     sync.Once
}

// Dial connects to a hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		incoming: make(chan Message, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Post sends msg without waiting for any acknowledgement. Failures are logged and dropped.
func (c *Client) Post(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode message", slog.String("type", msg.Type), slog.Any("error", err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("Message not delivered", slog.String("type", msg.Type), slog.Any("error", err))
	}
}

// Messages returns inbound messages. Messages arriving while the buffer is full are dropped.
// The channel is closed when the connection ends.
func (c *Client) Messages() <-chan Message {
	return c.incoming
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		default:
			slog.Debug("Dropping inbound message", slog.String("type", msg.Type))
		}
	}
}
