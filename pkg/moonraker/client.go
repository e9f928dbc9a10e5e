// Package moonraker is a Moonraker JSON-RPC websocket client. It keeps a
// subscription cache of printer object status and runs G-code scripts,
// which makes it both the status source and the G-code runner of the
// recovery daemon.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
)

// ErrNotConnected is returned by calls made while no connection is up.
var ErrNotConnected = errors.New("moonraker: not connected")

const (
	pingInterval  = 30 * time.Second
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	maxRetryDelay = 30 * time.Second
	maxMessage    = 4 << 20
)

// Config configures a Client.
type Config struct {
	URL        string
	Objects    []string
	ClientName string
	Version    string

	// RetryDelay is the first reconnect delay; it doubles up to 30s.
	RetryDelay time.Duration

	// ScriptTimeout bounds RunScript. Zero waits until the script
	// finishes or the connection drops.
	ScriptTimeout time.Duration

	Dialer *websocket.Dialer
}

// Client is a reconnecting Moonraker connection.
type Client struct {
	cfg    Config
	logger *log.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID  atomic.Int64
	pendMu  sync.Mutex
	pending map[int64]chan message

	statusMu sync.RWMutex
	status   map[string]map[string]interface{}

	cbMu       sync.Mutex
	onResponse []func(string)

	readyOnce sync.Once
	ready     chan struct{}
}

// New returns an unconnected client. Call Run to connect.
func New(cfg Config) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "klipper-plr"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		logger:  log.GetLogger("moonraker"),
		pending: make(map[int64]chan message),
		status:  make(map[string]map[string]interface{}),
		ready:   make(chan struct{}),
	}
}

// OnGCodeResponse registers a callback for console output lines. It
// runs on the read goroutine and must not block on the client.
func (c *Client) OnGCodeResponse(cb func(line string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onResponse = append(c.onResponse, cb)
}

// WaitReady blocks until the first subscription succeeded.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.RetryDelay
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxRetryDelay {
			delay = c.cfg.RetryDelay
		}
		c.logger.WithError(err).WithField("retry_in", delay.String()).Warn("moonraker connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.drop(conn)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, conn) }()

	c.identify(ctx)
	if err := c.subscribe(ctx); err != nil {
		conn.Close()
		<-readErr
		return err
	}
	c.logger.WithField("url", c.cfg.URL).Info("connected to moonraker")
	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				conn.Close()
				<-readErr
				return err
			}
		}
	}
}

// drop forgets the connection, fails in-flight calls and empties the
// status cache so readers see the printer as unavailable.
func (c *Client) drop(conn *websocket.Conn) {
	conn.Close()
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendMu.Lock()
	old := c.pending
	c.pending = make(map[int64]chan message)
	c.pendMu.Unlock()
	for _, ch := range old {
		close(ch)
	}

	c.statusMu.Lock()
	c.status = make(map[string]map[string]interface{})
	c.statusMu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Debug("discarding malformed frame")
			continue
		}
		if msg.ID != nil {
			c.deliver(msg)
			continue
		}
		c.notify(ctx, msg)
	}
}

func (c *Client) deliver(msg message) {
	c.pendMu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.pendMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) notify(ctx context.Context, msg message) {
	switch msg.Method {
	case notifyStatusUpdate:
		var params []json.RawMessage
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
			return
		}
		var update map[string]map[string]interface{}
		if err := json.Unmarshal(params[0], &update); err != nil {
			c.logger.WithError(err).Debug("bad status update")
			return
		}
		c.merge(update)
	case notifyGCodeResponse:
		var params []string
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		c.cbMu.Lock()
		cbs := append([]func(string){}, c.onResponse...)
		c.cbMu.Unlock()
		for _, line := range params {
			for _, cb := range cbs {
				cb(line)
			}
		}
	case notifyKlippyReady:
		// Klippy restarts drop every subscription.
		go func() {
			if err := c.subscribe(ctx); err != nil {
				c.logger.WithError(err).Warn("resubscribe after klippy restart failed")
			}
		}()
	case notifyKlippyDown, notifyKlippyShut:
		c.logger.WithField("event", msg.Method).Warn("klippy unavailable")
		c.statusMu.Lock()
		c.status = make(map[string]map[string]interface{})
		c.statusMu.Unlock()
	}
}

// merge applies a partial update field by field.
func (c *Client) merge(update map[string]map[string]interface{}) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	for name, fields := range update {
		cur, ok := c.status[name]
		if !ok {
			cur = make(map[string]interface{}, len(fields))
			c.status[name] = cur
		}
		for k, v := range fields {
			cur[k] = v
		}
	}
}

// Call sends one request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	ch := make(chan message, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) identify(ctx context.Context) {
	_, err := c.Call(ctx, "server.connection.identify", map[string]interface{}{
		"client_name": c.cfg.ClientName,
		"version":     c.cfg.Version,
		"type":        "agent",
		"url":         "https://github.com/Klipper3d/klipper",
	})
	if err != nil {
		c.logger.WithError(err).Debug("identify failed")
	}
}

func (c *Client) subscribe(ctx context.Context) error {
	objects := make(map[string]interface{}, len(c.cfg.Objects))
	for _, name := range c.cfg.Objects {
		objects[name] = nil
	}
	raw, err := c.Call(ctx, "printer.objects.subscribe", map[string]interface{}{"objects": objects})
	if err != nil {
		return err
	}
	var res subscribeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}
	c.statusMu.Lock()
	c.status = make(map[string]map[string]interface{}, len(res.Status))
	c.statusMu.Unlock()
	c.merge(res.Status)
	c.logger.Debug("subscribed to %d objects, %d present", len(objects), len(res.Status))
	return nil
}

func copyStatus(cur map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// ObjectStatus returns a copy of the cached status of one object.
func (c *Client) ObjectStatus(name string, _ float64) (map[string]interface{}, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	cur, ok := c.status[name]
	if !ok {
		return nil, false
	}
	return copyStatus(cur), true
}

// ObjectsStatus copies the cached status of the named objects under one
// lock, so every object reflects the same set of applied updates.
// Objects not in the cache are left out.
func (c *Client) ObjectsStatus(names []string, _ float64) map[string]map[string]interface{} {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	out := make(map[string]map[string]interface{}, len(names))
	for _, name := range names {
		if cur, ok := c.status[name]; ok {
			out[name] = copyStatus(cur)
		}
	}
	return out
}

// RunScript runs a G-code script through printer.gcode.script and
// waits for it to finish.
func (c *Client) RunScript(script string) error {
	ctx := context.Background()
	if c.cfg.ScriptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ScriptTimeout)
		defer cancel()
	}
	_, err := c.Call(ctx, "printer.gcode.script", map[string]string{"script": script})
	if err == nil {
		return nil
	}
	var rerr *rpcError
	if errors.As(err, &rerr) {
		return perrors.CommandError(firstLine(script), rerr.Message)
	}
	return perrors.Wrap(err, perrors.ErrRuntime, "run gcode script").SetContext("script", script)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
