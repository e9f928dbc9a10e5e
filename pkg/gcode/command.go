// Package gcode parses extended G-code commands and dispatches them to
// registered handlers.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package gcode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	perrors "klipper-plr/pkg/errors"
)

// Command is one parsed command line. Parameter names are upper case.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

// Parse splits an extended command ("NAME KEY=VALUE ...") into its name
// and parameters. Values may be double quoted to carry spaces. Comments
// after ';' are dropped. A blank or comment-only line returns nil.
func Parse(line string) (*Command, error) {
	ln := line
	if idx := strings.IndexByte(ln, ';'); idx >= 0 && !inQuotes(ln, idx) {
		ln = ln[:idx]
	}
	fields, err := split(strings.TrimSpace(ln))
	if err != nil {
		return nil, perrors.CommandError(line, err.Error())
	}
	if len(fields) == 0 {
		return nil, nil
	}
	cmd := &Command{Name: strings.ToUpper(fields[0]), Args: map[string]string{}, Raw: line}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, perrors.CommandError(cmd.Name, fmt.Sprintf("malformed parameter %q", f))
		}
		cmd.Args[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return cmd, nil
}

func inQuotes(s string, idx int) bool {
	return strings.Count(s[:idx], `"`)%2 == 1
}

// split tokenizes on whitespace, keeping double quoted runs together
// and removing the quotes.
func split(s string) ([]string, error) {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
		inTok  bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			inTok = true
		case !quoted && (r == ' ' || r == '\t'):
			if inTok {
				out = append(out, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inTok {
		out = append(out, cur.String())
	}
	return out, nil
}

// Get returns the named parameter or def.
func (c *Command) Get(key, def string) string {
	if v, ok := c.Args[key]; ok {
		return v
	}
	return def
}

// GetInt returns the named parameter parsed as an integer, or def when
// absent.
func (c *Command) GetInt(key string, def int) (int, error) {
	v, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, perrors.CommandError(c.Name, fmt.Sprintf("unable to parse %s=%q as integer", key, v))
	}
	return n, nil
}

func (c *Command) GetFloat(key string, def float64) (float64, error) {
	v, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, perrors.CommandError(c.Name, fmt.Sprintf("unable to parse %s=%q as number", key, v))
	}
	return f, nil
}

// Handler runs one command and returns the text to report back.
type Handler func(cmd *Command) (string, error)

type entry struct {
	fn   Handler
	help string
}

// Dispatcher maps command names to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]entry)}
}

// Register adds a handler. Registering a name twice panics.
func (d *Dispatcher) Register(name, help string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name = strings.ToUpper(name)
	if _, exists := d.handlers[name]; exists {
		panic("gcode: command " + name + " registered twice")
	}
	d.handlers[name] = entry{fn: fn, help: help}
}

// Execute parses and runs one line. Blank lines are a no-op.
func (d *Dispatcher) Execute(line string) (string, error) {
	cmd, err := Parse(line)
	if cmd == nil || err != nil {
		return "", err
	}
	d.mu.RLock()
	e, ok := d.handlers[cmd.Name]
	d.mu.RUnlock()
	if !ok {
		return "", perrors.CommandError(cmd.Name, "unknown command")
	}
	return e.fn(cmd)
}

// Has reports whether name is registered.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[strings.ToUpper(name)]
	return ok
}

// Help returns the registered commands and their help text, sorted by
// name.
func (d *Dispatcher) Help() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name, e := range d.handlers {
		out = append(out, name+": "+e.help)
	}
	sort.Strings(out)
	return out
}
