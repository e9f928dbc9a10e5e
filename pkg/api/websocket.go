// Websocket connections
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient represents a WebSocket client connection.
type wsClient struct {
	id         int64
	conn       *websocket.Conn
	server     *Server
	sendCh     chan interface{}
	done       chan struct{}
	mu         sync.Mutex
	subscribed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan interface{}, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send queues a message, dropping it when the client is too slow.
func (c *wsClient) Send(msg interface{}) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.WithField("client", c.id).Warn("dropping message, send queue full")
	}
}

// Close closes the client connection.
func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.cancel()
	c.conn.Close()
}

// readPump reads messages from the WebSocket connection. Requests run
// one at a time in arrival order.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.WithError(err).Debug("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.handleMessage(message)
	}
}

// writePump sends queued messages and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.WithError(err).Debug("websocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParse, Message: "Parse error"}})
		return
	}
	result, rerr := c.server.dispatch(c.ctx, req, c)
	if req.ID == nil {
		return
	}
	c.Send(jsonRPCResponse{JSONRPC: "2.0", Result: result, Error: rerr, ID: req.ID})
}

// handleWebSocket handles WebSocket upgrade and connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	client := s.newWSClient(conn)

	s.clientMu.Lock()
	s.clients[client.id] = client
	s.clientMu.Unlock()
	s.logger.WithField("client", client.id).Debug("websocket client connected")

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, client.id)
	s.clientMu.Unlock()
	s.logger.WithField("client", client.id).Debug("websocket client disconnected")
}

func (s *Server) closeClients() {
	s.clientMu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientMu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}
