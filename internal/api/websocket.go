package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Status  string          `json:"status,omitempty"`  // Card status word of a refused command
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	mu     sync.Mutex
	closed bool
}

// broadcast is a message for the clients watching reader, or for every
// client when reader is empty.
type broadcast struct {
	reader string
	data   []byte
}

// watch is a presence monitor shared by the clients subscribed to a reader.
type watch struct {
	index   int
	cancel  context.CancelFunc
	clients map[*WSClient]bool
}

// WSHub manages all WebSocket connections and reader subscriptions
type WSHub struct {
	sessions   *Sessions
	clients    map[*WSClient]bool
	watches    map[string]*watch
	broadcast  chan broadcast
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(sessions *Sessions) *WSHub {
	return &WSHub{
		sessions:   sessions,
		clients:    make(map[*WSClient]bool),
		watches:    make(map[string]*watch),
		broadcast:  make(chan broadcast, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			h.unsubscribeAll(client)
			client.close()
		case msg := <-h.broadcast:
			h.mu.RLock()
			if msg.reader == "" {
				for client := range h.clients {
					client.enqueue(msg.data)
				}
			} else if w, ok := h.watches[msg.reader]; ok {
				for client := range w.clients {
					client.enqueue(msg.data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Global hub instance
var wsHub *WSHub

// InitWebSocket initializes the WebSocket hub and returns the handler
func InitWebSocket(sessions *Sessions) http.HandlerFunc {
	wsHub = NewWSHub(sessions)
	go wsHub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := &WSClient{
			conn: conn,
			send: make(chan []byte, 256),
			hub:  wsHub,
		}

		wsHub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// ShutdownWebSocket stops every reader monitor started by subscriptions.
func ShutdownWebSocket() {
	if wsHub == nil {
		return
	}
	wsHub.mu.Lock()
	for reader, w := range wsHub.watches {
		w.cancel()
		delete(wsHub.watches, reader)
	}
	wsHub.mu.Unlock()
}

// subscribe adds c to the watchers of reader, starting a monitor if c is
// the first.
func (h *WSHub) subscribe(c *WSClient, index int, reader string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if w, ok := h.watches[reader]; ok {
		w.clients[c] = true
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	mon, err := h.sessions.Watch(ctx, reader, cardEventCallback(h, index))
	if err != nil {
		cancel()
		return err
	}
	w := &watch{index: index, cancel: cancel, clients: map[*WSClient]bool{c: true}}
	h.watches[reader] = w

	go h.awaitMonitor(reader, w, mon)
	return nil
}

// awaitMonitor tells the watchers of reader when its monitor ends on its own.
func (h *WSHub) awaitMonitor(reader string, w *watch, mon *core.Monitor) {
	defer logging.RecoverAndLog("WebSocket monitor watcher", false)

	state, err := mon.Wait()

	h.mu.Lock()
	current, ok := h.watches[reader]
	if !ok || current != w {
		h.mu.Unlock()
		return
	}
	delete(h.watches, reader)
	clients := w.clients
	h.mu.Unlock()

	payload := map[string]interface{}{
		"readerIndex": w.index,
		"readerName":  reader,
		"state":       state.String(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	data := encodeMessage("monitor_stopped", "", payload)
	for client := range clients {
		client.enqueue(data)
	}
}

// unsubscribe removes c from the watchers of reader and stops the monitor
// when nobody is left.
func (h *WSHub) unsubscribe(c *WSClient, reader string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, reader)
}

func (h *WSHub) unsubscribeLocked(c *WSClient, reader string) {
	w, ok := h.watches[reader]
	if !ok {
		return
	}
	delete(w.clients, c)
	if len(w.clients) == 0 {
		w.cancel()
		delete(h.watches, reader)
	}
}

func (h *WSHub) unsubscribeAll(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for reader := range h.watches {
		h.unsubscribeLocked(c, reader)
	}
}

// cardEventCallback publishes card_detected and card_removed for a reader.
// Removal is only reported after a card was seen.
func cardEventCallback(h *WSHub, index int) core.StatusCallback {
	var present bool
	return func(s *core.Session, state uint32) int {
		reader := s.ReaderName()
		if state&core.StatePresent == 0 {
			if present {
				present = false
				logging.Info(logging.CatCard, "Card removed", map[string]any{"reader": reader})
				h.broadcast <- broadcast{reader: reader, data: encodeMessage("card_removed", "", map[string]interface{}{
					"readerIndex": index,
					"readerName":  reader,
				})}
			}
			return 0
		}

		present = true
		card := map[string]interface{}{}
		if ct, err := s.CheckATR(); err == nil {
			card["type"] = ct.String()
		} else {
			card["type"] = core.CardUnknown.String()
			card["error"] = err.Error()
		}
		if uid, err := s.ReadUID(); err == nil {
			card["uid"] = hex.EncodeToString(uid)
		}
		logging.Info(logging.CatCard, "Card detected", map[string]any{
			"reader": reader,
			"uid":    card["uid"],
			"type":   card["type"],
		})
		h.broadcast <- broadcast{reader: reader, data: encodeMessage("card_detected", "", map[string]interface{}{
			"readerIndex": index,
			"readerName":  reader,
			"card":        card,
		})}
		return 0
	}
}

func encodeMessage(msgType, id string, payload interface{}) []byte {
	payloadBytes, _ := json.Marshal(payload)
	data, _ := json.Marshal(WSMessage{Type: msgType, ID: id, Payload: payloadBytes})
	return data
}

// enqueue drops the message when the client is gone or too slow.
func (c *WSClient) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(logging.CatWebSocket, "Client send buffer full, dropping message", nil)
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", errors.New("invalid message format"))
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "read_uid":
		c.handleReadUID(msg.ID, msg.Payload)
	case "read_block":
		c.handleReadBlock(msg.ID, msg.Payload)
	case "write_block":
		c.handleWriteBlock(msg.ID, msg.Payload)
	case "subscribe":
		c.handleSubscribe(msg.ID, msg.Payload)
	case "unsubscribe":
		c.handleUnsubscribe(msg.ID, msg.Payload)
	case "version":
		c.sendResponse(msg.ID, "version", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", c.handlers().health())
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, errors.New("unknown message type: "+msg.Type))
	}
}

func (c *WSClient) handlers() *handlers {
	return &handlers{sessions: c.hub.sessions}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	c.enqueue(encodeMessage(msgType, id, payload))
}

func (c *WSClient) sendError(id string, err error) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: err.Error(),
	}
	if status, ok := errorBody(err)["status"]; ok {
		response.Status = status
	}
	responseBytes, _ := json.Marshal(response)
	c.enqueue(responseBytes)
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := c.hub.sessions.Readers()
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.sendResponse(id, "readers", readerList(readers))
}

func (c *WSClient) handleReadUID(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errors.New("invalid payload"))
		return
	}

	var resp map[string]interface{}
	err := c.hub.sessions.WithCard(context.Background(), req.ReaderIndex, func(s *core.Session) error {
		ct, err := s.CheckATR()
		if err != nil {
			return err
		}
		uid, err := s.ReadUID()
		if err != nil {
			return err
		}
		resp = map[string]interface{}{
			"readerIndex": req.ReaderIndex,
			"uid":         hex.EncodeToString(uid),
			"cardType":    ct.String(),
		}
		return nil
	})
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.sendResponse(id, "uid", resp)
}

func (c *WSClient) handleReadBlock(id string, payload json.RawMessage) {
	var req blockRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errors.New("invalid payload"))
		return
	}

	resp, err := c.handlers().readBlock(context.Background(), req)
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.sendResponse(id, "block", resp)
}

func (c *WSClient) handleWriteBlock(id string, payload json.RawMessage) {
	var req blockRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errors.New("invalid payload"))
		return
	}

	if err := c.handlers().writeBlock(context.Background(), req); err != nil {
		c.sendError(id, err)
		return
	}
	c.sendResponse(id, "write_success", map[string]interface{}{
		"sector": req.Sector,
		"block":  req.Block,
	})
}

func (c *WSClient) handleSubscribe(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errors.New("invalid payload"))
		return
	}

	reader, err := c.hub.sessions.ReaderName(req.ReaderIndex)
	if err != nil {
		c.sendError(id, err)
		return
	}

	if err := c.hub.subscribe(c, req.ReaderIndex, reader); err != nil {
		c.sendError(id, err)
		return
	}

	logging.Info(logging.CatWebSocket, "Client subscribed to reader", map[string]any{
		"reader": reader,
	})
	c.sendResponse(id, "subscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
		"readerName":  reader,
	})
}

func (c *WSClient) handleUnsubscribe(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errors.New("invalid payload"))
		return
	}

	reader, err := c.hub.sessions.ReaderName(req.ReaderIndex)
	if err != nil {
		c.sendError(id, err)
		return
	}

	c.hub.unsubscribe(c, reader)

	logging.Info(logging.CatWebSocket, "Client unsubscribed from reader", map[string]any{
		"reader": reader,
	})
	c.sendResponse(id, "unsubscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
	})
}
