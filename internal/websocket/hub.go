package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	// delivered is set once any message reached Send. Guarded by Hub.mu.
	delivered bool
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log *logger.Logger
	mu  sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
	// Final closes the subscribers after delivery.
	Final bool
	// To restricts delivery to one subscriber that has not received anything
	// yet. Used for the snapshot sent on subscribe.
	To *Client
}

// NewHub creates a new Hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, jobID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.Debug("websocket client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.Debug("websocket client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				if msg.To != nil && (msg.To != client || client.delivered) {
					continue
				}
				select {
				case client.Send <- msg.Message:
					client.delivered = true
					if msg.Final {
						h.remove(client)
					}
				default:
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove closes and forgets a client. Callers hold h.mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Subscribers returns the number of clients following a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Notify pushes a status snapshot to the job's subscribers: a progress
// message while the job runs, then a single complete message.
func (h *Hub) Notify(snapshot *model.BulkMoveStatusResponse) {
	data, final, err := encodeSnapshot(snapshot)
	if err != nil {
		h.log.Error("failed to marshal snapshot", "job_id", snapshot.OperationID, "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: snapshot.OperationID, Message: data, Final: final}:
	case <-h.done:
	}
}

// Subscribe registers client and then sends it the snapshot returned by
// current. Reading the snapshot after registration means no update can fall
// between the two; the snapshot is skipped if a live update or the complete
// message reached the client first.
func (h *Hub) Subscribe(client *Client, current func() *model.BulkMoveStatusResponse) {
	h.Register(client)

	snapshot := current()
	if snapshot == nil {
		return
	}
	data, final, err := encodeSnapshot(snapshot)
	if err != nil {
		h.log.Error("failed to marshal snapshot", "job_id", client.JobID, "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: client.JobID, Message: data, Final: final, To: client}:
	case <-h.done:
	}
}

func encodeSnapshot(snapshot *model.BulkMoveStatusResponse) ([]byte, bool, error) {
	if snapshot.Status.IsTerminal() {
		data, err := json.Marshal(model.WSCompleteMessage{Type: model.WSMessageTypeComplete, Snapshot: snapshot})
		return data, true, err
	}
	data, err := json.Marshal(model.WSProgressMessage{Type: model.WSMessageTypeProgress, Snapshot: snapshot})
	return data, false, err
}

// HandleConnection serves one subscriber. The current snapshot is sent
// first; a job that is already terminal gets its complete message and the
// connection is closed.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, current func() *model.BulkMoveStatusResponse) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.Subscribe(client, current)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("websocket error", "job_id", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			h.mu.RLock()
			_, live := h.clients[jobID][client]
			if live {
				select {
				case client.Send <- pong:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}
