// HTTP handler for the Prometheus endpoint
//
// The handler serves /metrics, /health and /ready and is mounted on the
// daemon's API listener. Basic authentication is optional.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"crypto/subtle"
	"net/http"
	"strconv"
)

// HandlerConfig configures the metrics handler.
type HandlerConfig struct {
	Username string
	Password string

	// Ready reports daemon readiness for /ready; nil means always ready.
	Ready func() bool
}

// Handler serves the recovery metrics over HTTP.
type Handler struct {
	m   *RecoveryMetrics
	cfg HandlerConfig
	mux *http.ServeMux
}

func NewHandler(m *RecoveryMetrics, cfg HandlerConfig) *Handler {
	h := &Handler{m: m, cfg: cfg, mux: http.NewServeMux()}
	h.mux.HandleFunc("/metrics", h.handleMetrics)
	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/ready", h.handleReady)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	output := h.m.Gather()
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if h.cfg.Ready != nil && !h.cfg.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
		return
	}
	_, _ = w.Write([]byte("Ready\n"))
}

// checkAuth verifies basic auth if configured
func (h *Handler) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.Username == "" && h.cfg.Password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.cfg.Password)) == 1
	if !ok || !userOK || !passOK {
		w.Header().Set("WWW-Authenticate", `Basic realm="klipper-plr metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
