// Package rewrite turns a job file into one that resumes printing from
// a stored byte offset, and restores the original afterwards.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package rewrite

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
)

// Markers recognized in job files.
const (
	SetupMarker = ";;;;; PLR_RESUME - INITIAL PRINTER SETUP STARTS ;;;;;"
	BodyMarker  = ";;;;; PLR_RESUME - PRINT GCODE STARTS ;;;;;"
	ExecStart   = "; EXECUTABLE_BLOCK_START"
	ExecEnd     = "; EXECUTABLE_BLOCK_END"
	LayerChange = ";LAYER_CHANGE"
	LayerZ      = ";Z:"

	BackupSuffix = ".plr"
)

// ErrMarkersMissing is wrapped by RewriteFailed when the file lacks
// either marker.
var ErrMarkersMissing = errors.New("resume markers not found")

// BackupPath returns the backup name used for path.
func BackupPath(path string) string { return path + BackupSuffix }

// ZRestoreLine formats the injected Z restore command.
func ZRestoreLine(z float64) string {
	return fmt.Sprintf("G1 Z%.3f F3000 ; Restore Z height from last layer", z)
}

// Options configure a rewrite.
type Options struct {
	// RestartGCode is injected after the setup marker.
	RestartGCode []string
	// FallbackZ is used when no layer change precedes the offset.
	FallbackZ float64
}

// Stats describes a completed transformation.
type Stats struct {
	LayerZ      float64
	FromLayer   bool // LayerZ came from a layer change block
	BodyLines   int  // body lines copied
	SkippedBody int  // body lines suppressed before the offset
	BytesRead   int64
}

type lineKind int

const (
	kindText lineKind = iota
	kindExecStart
	kindExecEnd
	kindSetupMarker
	kindBodyMarker
)

func classify(line string) lineKind {
	switch {
	case strings.Contains(line, ExecStart):
		return kindExecStart
	case strings.Contains(line, ExecEnd):
		return kindExecEnd
	case strings.Contains(line, SetupMarker):
		return kindSetupMarker
	case strings.Contains(line, BodyMarker):
		return kindBodyMarker
	}
	return kindText
}

type state int

const (
	statePreamble state = iota
	statePreambleExec
	stateBody
	stateBodyExec
)

type action int

const (
	actCopy        action = iota // write the line
	actCopyReached               // write once the resume offset is reached
	actSetup                     // write the marker and arm the resume header
	actDrop
)

type transition struct {
	act  action
	next state
}

// transitions drives the line state machine. Everything before the
// setup marker is copied verbatim, body text is copied from the resume
// offset on, executable blocks are always copied and the input's body
// marker is dropped because the header re-emits it.
var transitions = map[state]map[lineKind]transition{
	statePreamble: {
		kindText:        {actCopy, statePreamble},
		kindExecStart:   {actCopy, statePreambleExec},
		kindExecEnd:     {actCopy, statePreamble},
		kindSetupMarker: {actSetup, stateBody},
		kindBodyMarker:  {actDrop, statePreamble},
	},
	statePreambleExec: {
		kindText:        {actCopy, statePreambleExec},
		kindExecStart:   {actCopy, statePreambleExec},
		kindExecEnd:     {actCopy, statePreamble},
		kindSetupMarker: {actSetup, stateBodyExec},
		kindBodyMarker:  {actDrop, statePreambleExec},
	},
	stateBody: {
		kindText:        {actCopyReached, stateBody},
		kindExecStart:   {actCopy, stateBodyExec},
		kindExecEnd:     {actCopy, stateBody},
		kindSetupMarker: {actCopyReached, stateBody},
		kindBodyMarker:  {actDrop, stateBody},
	},
	stateBodyExec: {
		kindText:        {actCopy, stateBodyExec},
		kindExecStart:   {actCopy, stateBodyExec},
		kindExecEnd:     {actCopy, stateBody},
		kindSetupMarker: {actCopy, stateBodyExec},
		kindBodyMarker:  {actDrop, stateBodyExec},
	},
}

// layerTracker follows ;LAYER_CHANGE comment blocks and keeps the last
// Z height they report.
type layerTracker struct {
	inBlock bool
	z       float64
	found   bool
}

func (t *layerTracker) feed(line string) {
	s := strings.TrimSpace(line)
	switch {
	case s == LayerChange:
		t.inBlock = true
	case !t.inBlock:
	case strings.HasPrefix(s, LayerZ):
		if z, err := strconv.ParseFloat(strings.TrimSpace(s[len(LayerZ):]), 64); err == nil {
			t.z, t.found = z, true
		}
	case !strings.HasPrefix(s, ";"):
		t.inBlock = false
	}
}

// machine holds one transformation in progress. The resume header
// (restart commands, Z restore and body marker) is written when the
// first body line at or past the offset arrives, or at end of input, so
// every layer change before the offset has been seen by then. Body
// executable blocks met earlier are held back and follow the header.
type machine struct {
	opts    Options
	offset  int64
	w       *bufio.Writer
	state   state
	layers  layerTracker
	stats   Stats
	pos     int64
	armed   bool // setup marker seen, header not yet written
	emitted bool // header written
	sawBody bool
	held    []string
}

func (m *machine) write(s string) error {
	_, err := m.w.WriteString(s)
	return err
}

func (m *machine) header() error {
	m.armed = false
	m.emitted = true
	m.stats.LayerZ, m.stats.FromLayer = m.opts.FallbackZ, false
	if m.layers.found {
		m.stats.LayerZ, m.stats.FromLayer = m.layers.z, true
	}
	for _, l := range m.opts.RestartGCode {
		if err := m.write(l + "\n"); err != nil {
			return err
		}
	}
	if err := m.write(ZRestoreLine(m.stats.LayerZ) + "\n"); err != nil {
		return err
	}
	if err := m.write(BodyMarker + "\n"); err != nil {
		return err
	}
	for _, l := range m.held {
		if err := m.write(l); err != nil {
			return err
		}
		m.stats.BodyLines++
	}
	m.held = nil
	return nil
}

func (m *machine) line(line string) error {
	m.pos += int64(len(line))
	if m.pos < m.offset {
		m.layers.feed(line)
	}
	kind := classify(line)
	if kind == kindBodyMarker && m.state != statePreamble && m.state != statePreambleExec {
		m.sawBody = true
	}
	tr := transitions[m.state][kind]
	m.state = tr.next

	switch tr.act {
	case actDrop:
		return nil
	case actSetup:
		m.armed = true
		return m.write(line)
	case actCopyReached:
		if m.pos < m.offset {
			m.stats.SkippedBody++
			return nil
		}
		if m.armed {
			if err := m.header(); err != nil {
				return err
			}
		}
		m.stats.BodyLines++
		return m.write(line)
	}
	// actCopy
	if m.armed {
		m.held = append(m.held, line)
		return nil
	}
	if m.emitted {
		m.stats.BodyLines++
	}
	return m.write(line)
}

// Transform streams a job file from r to w, resuming the body at
// offset. It fails with ErrMarkersMissing unless the setup marker is
// followed by the body marker.
func Transform(r io.Reader, w io.Writer, offset int64, opts Options) (Stats, error) {
	m := &machine{opts: opts, offset: offset, w: bufio.NewWriter(w)}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if werr := m.line(line); werr != nil {
				return m.stats, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return m.stats, err
		}
	}
	m.stats.BytesRead = m.pos
	if (!m.armed && !m.emitted) || !m.sawBody {
		return m.stats, ErrMarkersMissing
	}
	if m.armed {
		if err := m.header(); err != nil {
			return m.stats, err
		}
	}
	return m.stats, m.w.Flush()
}

// Rewriter rewrites job files in place, keeping the original as a
// backup.
type Rewriter struct {
	opts   Options
	logger *log.Logger

	wrap func(io.Writer) io.Writer
}

// New returns a Rewriter.
func New(opts Options) *Rewriter {
	return &Rewriter{opts: opts, logger: log.GetLogger("rewrite")}
}

// Result describes a successful rewrite.
type Result struct {
	Path   string
	Backup string
	Stats  Stats

	// previous holds the resume file a repeated rewrite replaced.
	previous string
}

func previousPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".prev")
}

// Undo puts back what was at Path before the rewrite: the original
// job, or the earlier resume file when the rewrite was repeated.
func (res *Result) Undo() error {
	if res.previous == "" {
		_, err := RestoreOriginal(res.Path)
		return err
	}
	err := os.Rename(res.previous, res.Path)
	res.previous = ""
	return err
}

// Commit drops the earlier resume file kept for Undo.
func (res *Result) Commit() error {
	if res.previous == "" {
		return nil
	}
	err := os.Remove(res.previous)
	res.previous = ""
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Rewrite renames path to its backup and writes a resumable file at
// path. On any failure the original is restored byte for byte and the
// error carries ErrRewriteFailed.
//
// When a backup already exists, path is itself a resume file from an
// earlier rewrite and offset refers to it. It is then rewritten through
// a temporary file renamed over path, and the older backup is kept.
func (rw *Rewriter) Rewrite(path string, offset int64) (*Result, error) {
	backup := BackupPath(path)
	fail := func(err error) (*Result, error) {
		rw.logger.WithError(err).Error("rewrite of " + path + " failed")
		return nil, perrors.RewriteFailed(path, err)
	}
	if offset < 0 {
		return fail(fmt.Errorf("negative resume offset %d", offset))
	}
	info, err := os.Stat(path)
	if err != nil {
		return fail(err)
	}
	if _, err := os.Lstat(backup); err == nil {
		stats, err := rw.rewriteAgain(path, offset, info.Mode().Perm())
		if err != nil {
			return fail(err)
		}
		rw.logged(path, offset, stats, "recreated resume file ")
		return &Result{Path: path, Backup: backup, Stats: stats, previous: previousPath(path)}, nil
	}
	if err := os.Rename(path, backup); err != nil {
		return fail(err)
	}
	rollback := func(cause error) (*Result, error) {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			cause = errors.Join(cause, rerr)
		}
		if rerr := os.Rename(backup, path); rerr != nil {
			cause = errors.Join(cause, fmt.Errorf("restore original: %w", rerr))
		}
		return fail(cause)
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return rollback(err)
	}
	stats, err := rw.transformFile(backup, out, offset)
	if err != nil {
		return rollback(err)
	}
	rw.logged(path, offset, stats, "created resume file ")
	return &Result{Path: path, Backup: backup, Stats: stats}, nil
}

// rewriteAgain transforms path into a temporary file next to it and
// swaps it in, moving the current file to previousPath. path is
// untouched on failure.
func (rw *Rewriter) rewriteAgain(path string, offset int64, perm os.FileMode) (Stats, error) {
	out, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return Stats{}, err
	}
	tmp := out.Name()
	if err := out.Chmod(perm); err != nil {
		out.Close()
		os.Remove(tmp)
		return Stats{}, err
	}
	stats, err := rw.transformFile(path, out, offset)
	if err != nil {
		os.Remove(tmp)
		return stats, err
	}
	prev := previousPath(path)
	if err := os.Rename(path, prev); err != nil {
		os.Remove(tmp)
		return stats, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		if rerr := os.Rename(prev, path); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return stats, err
	}
	return stats, nil
}

// transformFile streams src into out and closes out.
func (rw *Rewriter) transformFile(src string, out *os.File, offset int64) (Stats, error) {
	in, err := os.Open(src)
	if err != nil {
		out.Close()
		return Stats{}, err
	}
	defer in.Close()

	var w io.Writer = out
	if rw.wrap != nil {
		w = rw.wrap(out)
	}
	stats, err := Transform(in, w, offset, rw.opts)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return stats, err
}

func (rw *Rewriter) logged(path string, offset int64, stats Stats, msg string) {
	rw.logger.WithFields(log.Fields{
		"offset":     offset,
		"layer_z":    stats.LayerZ,
		"from_layer": stats.FromLayer,
		"body_lines": stats.BodyLines,
	}).Info(msg + path)
}

// RestoreOriginal moves the backup of path back in place, removing the
// rewritten file. It reports whether a backup was restored. Backups
// themselves are never processed.
func RestoreOriginal(path string) (bool, error) {
	if strings.HasSuffix(path, BackupSuffix) {
		return false, nil
	}
	backup := BackupPath(path)
	if _, err := os.Stat(backup); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err := os.Rename(backup, path); err != nil {
		return false, err
	}
	return true, nil
}
