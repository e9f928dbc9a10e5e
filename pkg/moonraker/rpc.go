// JSON-RPC 2.0 framing used on the Moonraker websocket
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package moonraker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// message is any frame on the socket: a request we send, a response to
// one of ours, or a server notification (no id).
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("moonraker error %d: %s", e.Code, e.Message)
}

// Notification methods the client reacts to.
const (
	notifyStatusUpdate  = "notify_status_update"
	notifyGCodeResponse = "notify_gcode_response"
	notifyKlippyReady   = "notify_klippy_ready"
	notifyKlippyDown    = "notify_klippy_disconnected"
	notifyKlippyShut    = "notify_klippy_shutdown"
)

// subscribeResult is the result of printer.objects.subscribe.
type subscribeResult struct {
	EventTime float64                           `json:"eventtime"`
	Status    map[string]map[string]interface{} `json:"status"`
}

// ForwardPrefix marks console lines carrying a recovery command, as
// emitted by a macro such as
//
//	RESPOND PREFIX="plr:" MSG="PLR_SAVE_PRINT_STATE_WITH_LAYER LAYER=3"
const ForwardPrefix = "plr:"

// ParseForwarded extracts the command from a forwarded console line.
func ParseForwarded(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ForwardPrefix) {
		return "", false
	}
	cmd := strings.TrimSpace(line[len(ForwardPrefix):])
	if cmd == "" {
		return "", false
	}
	return cmd, true
}

// Objects returns the printer objects the recorder reads, plus extra
// (fan names), without duplicates.
func Objects(extra ...string) []string {
	base := []string{
		"print_stats", "virtual_sdcard", "toolhead", "gcode_move",
		"extruder", "extruder1", "heater_bed", "mcu", "bed_mesh", "fan",
	}
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, name := range append(base, extra...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
