// Package api serves the recovery commands over JSON-RPC 2.0, on a
// websocket and as plain HTTP POST, next to the metrics endpoints.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/gcode"
	"klipper-plr/pkg/log"
	"klipper-plr/pkg/metrics"
	"klipper-plr/pkg/recovery"
)

// Backend is the command surface the server exposes.
type Backend interface {
	Execute(ctx context.Context, line string) (string, error)
	Status(ctx context.Context) (recovery.Status, error)
	Commands() *gcode.Dispatcher
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:7131".
	Addr    string
	Backend Backend

	// Metrics mounts /metrics, /health and /ready when set.
	Metrics     *metrics.RecoveryMetrics
	MetricsAuth metrics.HandlerConfig

	// StatusInterval is how often subscribers are checked for a
	// changed status. Defaults to one second.
	StatusInterval time.Duration

	// CallTimeout bounds one command. Zero means no bound beyond the
	// client connection.
	CallTimeout time.Duration
}

// Server is the daemon's JSON-RPC endpoint.
type Server struct {
	cfg    Config
	logger *log.Logger

	wsUpgrader websocket.Upgrader
	clients    map[int64]*wsClient
	clientMu   sync.RWMutex
	nextID     int64

	lastStatus recovery.Status
	haveStatus bool
	statusMu   sync.Mutex

	httpServer *http.Server
	addr       atomic.Value
}

// New creates a server; nothing listens until ListenAndServe.
func New(cfg Config) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  log.GetLogger("api"),
		clients: make(map[int64]*wsClient),
		wsUpgrader: websocket.Upgrader{
			// Origins are not checked; bind Addr to loopback.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	if s.cfg.Metrics != nil {
		h := metrics.NewHandler(s.cfg.Metrics, s.cfg.MetricsAuth)
		mux.Handle("/metrics", h)
		mux.Handle("/health", h)
		mux.Handle("/ready", h)
	}
	return mux
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	if a, ok := s.addr.Load().(string); ok {
		return a
	}
	return ""
}

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return perrors.Wrap(err, perrors.ErrRuntimeInit, "listen "+s.cfg.Addr)
	}
	s.addr.Store(ln.Addr().String())
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.logger.WithField("addr", ln.Addr().String()).Info("api listening")

	go s.statusLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := s.httpServer.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string { return e.Message }

const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeCommand        = -32000
	codeInternal       = -32603
)

// ExecuteResult is the result of plr.execute.
type ExecuteResult struct {
	Output string `json:"output"`
}

// dispatch routes a method call. Errors are always *jsonRPCError.
func (s *Server) dispatch(ctx context.Context, req jsonRPCRequest, client *wsClient) (interface{}, *jsonRPCError) {
	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	switch req.Method {
	case "plr.execute":
		var p struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Command == "" {
			return nil, &jsonRPCError{Code: codeInvalidParams, Message: "params.command is required"}
		}
		out, err := s.cfg.Backend.Execute(ctx, p.Command)
		if err != nil {
			return nil, commandError(err)
		}
		return ExecuteResult{Output: out}, nil
	case "plr.status":
		st, err := s.cfg.Backend.Status(ctx)
		if err != nil {
			return nil, &jsonRPCError{Code: codeInternal, Message: err.Error()}
		}
		return st, nil
	case "plr.commands":
		return s.cfg.Backend.Commands().Help(), nil
	case "plr.subscribe":
		if client == nil {
			return nil, &jsonRPCError{Code: codeInvalidParams, Message: "subscriptions need a websocket"}
		}
		client.subscribed.Store(true)
		st, err := s.cfg.Backend.Status(ctx)
		if err != nil {
			return nil, &jsonRPCError{Code: codeInternal, Message: err.Error()}
		}
		return st, nil
	default:
		return nil, &jsonRPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func commandError(err error) *jsonRPCError {
	var he *perrors.HostError
	if errors.As(err, &he) && he.Code == perrors.ErrCommand {
		return &jsonRPCError{Code: codeCommand, Message: he.Message}
	}
	return &jsonRPCError{Code: codeCommand, Message: err.Error()}
}

// handleJSONRPC handles JSON-RPC 2.0 requests over HTTP POST.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParse, Message: "Parse error"}})
		return
	}
	result, rerr := s.dispatch(r.Context(), req, nil)
	writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, Error: rerr, ID: req.ID})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// statusLoop pushes notify_plr_status to subscribers when the status
// changes.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStatus(ctx)
		}
	}
}

func (s *Server) publishStatus(ctx context.Context) {
	st, err := s.cfg.Backend.Status(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("status unavailable")
		return
	}
	s.statusMu.Lock()
	changed := !s.haveStatus || st != s.lastStatus
	s.lastStatus, s.haveStatus = st, true
	s.statusMu.Unlock()
	if !changed {
		return
	}

	note := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notify_plr_status",
		"params":  []interface{}{st},
	}
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		if c.subscribed.Load() {
			c.Send(note)
		}
	}
}
