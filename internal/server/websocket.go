// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HarshalKudale/modelflux/pkg/modeldl"
)

// Keepalive timing. Pings go out well inside the pong deadline so a healthy
// client is never timed out.
const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 40 * time.Second
	wsOutboxSize   = 64
	wsMaxFrameSize = 32 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is read-only and carries no secrets, so any origin may
	// subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope is the frame layout for every outbound message.
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsHub tracks connected WebSocket clients and fans frames out to them.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{clients: map[*wsClient]struct{}{}}
}

func (h *wsHub) attach(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[ws] client connected, %d active", n)
}

func (h *wsHub) detach(c *wsClient) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if known {
		log.Printf("[ws] client disconnected, %d active", n)
	}
}

func (h *wsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast marshals the envelope once and queues it on every client. A
// client whose outbox is full loses the frame instead of stalling the hub.
func (h *wsHub) broadcast(msgType string, data any) {
	payload, err := json.Marshal(wsEnvelope{Type: msgType, Data: data})
	if err != nil {
		log.Printf("[ws] marshal %s frame: %v", msgType, err)
		return
	}
	h.mu.RLock()
	for c := range h.clients {
		c.enqueue(payload)
	}
	h.mu.RUnlock()
}

func (h *wsHub) broadcastEvent(ev modeldl.Event) {
	h.broadcast("event", ev)
}

// wsClient is one connected subscriber. The read and write loops own conn;
// everything else talks to the client through its outbox.
type wsClient struct {
	hub    *wsHub
	conn   *websocket.Conn
	outbox chan []byte
	done   chan struct{}
}

func (c *wsClient) enqueue(payload []byte) {
	select {
	case c.outbox <- payload:
	default:
		// Slow consumer, drop the frame.
	}
}

// writeLoop drains the outbox onto the connection and keeps the peer alive
// with pings. It exits when the read loop signals done or a write fails.
func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case payload := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes the connection until it drops. Inbound payloads are
// ignored; the event stream is one-way. Exiting detaches the client.
func (c *wsClient) readLoop() {
	defer func() {
		c.hub.detach(c)
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read: %v", err)
			}
			return
		}
	}
}

// handleWebSocket upgrades the request and streams download events, starting
// with a snapshot of the current state.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade: %v", err)
		return
	}

	c := &wsClient{
		hub:    s.hub,
		conn:   conn,
		outbox: make(chan []byte, wsOutboxSize),
		done:   make(chan struct{}),
	}
	s.hub.attach(c)
	go c.writeLoop()
	go c.readLoop()

	s.sendSnapshot(c)
}

// sendSnapshot queues the current downloads and records for a fresh client,
// so it can render without waiting for the next event.
func (s *Server) sendSnapshot(c *wsClient) {
	records, err := s.manager.DownloadedModels()
	if err != nil {
		records = nil
	}
	payload, err := json.Marshal(wsEnvelope{
		Type: "init",
		Data: map[string]any{
			"downloads": s.manager.Statuses(),
			"models":    records,
			"version":   Version,
		},
	})
	if err != nil {
		return
	}
	c.enqueue(payload)
}
