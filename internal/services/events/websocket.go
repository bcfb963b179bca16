package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/ternarybob/arbor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the frame sent to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
)

// wsClient owns one connection. Frames are queued on send and written by
// writeLoop, so a slow client never holds up the publisher.
type wsClient struct {
	conn  *websocket.Conn
	runID string // Empty receives every run
	orgID string // Empty receives every organization
	send  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsClient) wants(ev interfaces.RunEvent) bool {
	if c.runID != "" && c.runID != ev.RunID {
		return false
	}
	if c.orgID != "" && c.orgID != ev.OrgID {
		return false
	}
	return true
}

// WebSocketBroadcaster forwards run events to connected websocket clients.
// Clients filter with ?run_id= and ?org_id= query parameters. A client whose
// queue is full or whose write misses the deadline is disconnected.
type WebSocketBroadcaster struct {
	logger        arbor.ILogger
	clients       map[*websocket.Conn]*wsClient
	mu            sync.RWMutex
	allowedEvents map[string]bool
	sendBuffer    int
	writeTimeout  time.Duration
}

// NewWebSocketBroadcaster subscribes to every event on the service
func NewWebSocketBroadcaster(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketBroadcaster {
	b := &WebSocketBroadcaster{
		logger:        logger,
		clients:       make(map[*websocket.Conn]*wsClient),
		allowedEvents: make(map[string]bool),
		sendBuffer:    defaultSendBuffer,
		writeTimeout:  defaultWriteTimeout,
	}
	if config != nil {
		for _, name := range config.AllowedEvents {
			b.allowedEvents[name] = true
		}
		if config.SendBuffer > 0 {
			b.sendBuffer = config.SendBuffer
		}
		if config.WriteTimeout > 0 {
			b.writeTimeout = config.WriteTimeout
		}
	}
	if eventService != nil {
		if err := eventService.Subscribe(AllEvents, b.handleEvent); err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe websocket broadcaster")
		}
	}
	return b
}

// HandleWebSocket upgrades the request and keeps the connection until the client leaves
func (b *WebSocketBroadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{
		conn:  conn,
		runID: r.URL.Query().Get("run_id"),
		orgID: r.URL.Query().Get("org_id"),
		send:  make(chan []byte, b.sendBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[conn] = client
	total := len(b.clients)
	b.mu.Unlock()
	b.logger.Debug().
		Int("clients", total).
		Str("run_id", client.runID).
		Str("org_id", client.orgID).
		Msg("WebSocket client connected")

	common.SafeGo(b.logger, "websocket:writer", func() { b.writeLoop(client) })
	defer b.drop(client, "")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Warn().Err(err).Str("run_id", client.runID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (b *WebSocketBroadcaster) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout)); err != nil {
				b.drop(c, err.Error())
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.drop(c, err.Error())
				return
			}
		}
	}
}

// drop unregisters the client and closes its connection, which also ends
// the read loop. reason is empty for a normal disconnect.
func (b *WebSocketBroadcaster) drop(c *wsClient, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		b.mu.Lock()
		delete(b.clients, c.conn)
		remaining := len(b.clients)
		b.mu.Unlock()
		c.conn.Close()

		if reason != "" {
			b.logger.Warn().Str("run_id", c.runID).Str("org_id", c.orgID).Str("reason", reason).Msg("WebSocket client dropped")
			return
		}
		b.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	})
}

// ClientCount returns the number of connected clients
func (b *WebSocketBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *WebSocketBroadcaster) handleEvent(ctx context.Context, event interfaces.Event) error {
	if len(b.allowedEvents) > 0 && !b.allowedEvents[string(event.Type)] {
		return nil
	}
	runEvent, ok := event.Payload.(interfaces.RunEvent)
	if !ok {
		return nil
	}

	data, err := json.Marshal(WSMessage{Type: string(event.Type), Payload: runEvent})
	if err != nil {
		return err
	}

	b.mu.RLock()
	targets := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		if c.wants(runEvent) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			b.drop(c, "send queue full")
		}
	}
	return nil
}
