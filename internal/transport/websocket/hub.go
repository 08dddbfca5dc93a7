package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	sendBufferSize = 32
	writeTimeout   = 5 * time.Second
)

// client is one live socket and its outbound queue. Only the writer goroutine
// touches the socket for writing.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (that *client) close() {
	that.once.Do(func() {
		close(that.done)
	})
}

// Hub maps connection ids to outbound queues. Sending never blocks: a client
// whose queue is full misses the message.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With("component", "hub"),
		clients: make(map[string]*client),
	}
}

// add registers the connection and starts its writer. The writer stops when
// ctx is cancelled or the client is removed.
func (that *Hub) add(ctx context.Context, id string, conn *websocket.Conn) *client {
	c := &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	that.mu.Lock()
	that.clients[id] = c
	that.mu.Unlock()

	go that.writeLoop(ctx, c)

	return c
}

func (that *Hub) remove(id string) {
	that.mu.Lock()
	c, ok := that.clients[id]
	delete(that.clients, id)
	that.mu.Unlock()

	if ok {
		c.close()
	}
}

func (that *Hub) writeLoop(ctx context.Context, c *client) {
	log := that.logger.With("method", "writeLoop", "connID", c.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()

			if err != nil {
				log.Debug("failed to write message", "error", err)
				return
			}
		}
	}
}

// Send queues an event for one connection.
func (that *Hub) Send(connID, event string, data any) {
	message, ok := that.encode(event, data)
	if !ok {
		return
	}

	that.mu.RLock()
	c := that.clients[connID]
	that.mu.RUnlock()

	that.enqueue(c, event, message)
}

// SendTo queues an event for each of the given connections.
func (that *Hub) SendTo(connIDs []string, event string, data any) {
	if len(connIDs) == 0 {
		return
	}

	message, ok := that.encode(event, data)
	if !ok {
		return
	}

	that.mu.RLock()
	targets := make([]*client, 0, len(connIDs))
	for _, id := range connIDs {
		targets = append(targets, that.clients[id])
	}
	that.mu.RUnlock()

	for _, c := range targets {
		that.enqueue(c, event, message)
	}
}

// Broadcast queues an event for every connection.
func (that *Hub) Broadcast(event string, data any) {
	message, ok := that.encode(event, data)
	if !ok {
		return
	}

	that.mu.RLock()
	targets := make([]*client, 0, len(that.clients))
	for _, c := range that.clients {
		targets = append(targets, c)
	}
	that.mu.RUnlock()

	for _, c := range targets {
		that.enqueue(c, event, message)
	}
}

// Count returns the number of live connections.
func (that *Hub) Count() int {
	that.mu.RLock()
	defer that.mu.RUnlock()

	return len(that.clients)
}

func (that *Hub) enqueue(c *client, event string, message []byte) {
	if c == nil {
		return
	}

	select {
	case <-c.done:
	case c.send <- message:
	default:
		that.logger.Warn("outbound queue is full, message dropped", "connID", c.id, "event", event)
	}
}

func (that *Hub) encode(event string, data any) ([]byte, bool) {
	message, err := json.Marshal(OutMessage{Event: event, Data: data})
	if err != nil {
		that.logger.Error("failed to marshal message", "event", event, "error", err)
		return nil, false
	}

	return message, true
}
