// Package history keeps a bounded, time-ordered ring of validated
// snapshots.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package history

import (
	"fmt"

	"klipper-plr/pkg/snapshot"
)

// Capacity limits.
const (
	MinCapacity = 2
	MaxCapacity = 20
)

// Buffer is a fixed-capacity ring. Entries are copied in and out so no
// caller shares a snapshot with the buffer.
type Buffer struct {
	slots []snapshot.Snapshot
	head  int // index of the oldest entry
	n     int
}

// New returns an empty buffer; capacity must be within
// [MinCapacity, MaxCapacity].
func New(capacity int) (*Buffer, error) {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, fmt.Errorf("history capacity %d outside [%d, %d]", capacity, MinCapacity, MaxCapacity)
	}
	return &Buffer{slots: make([]snapshot.Snapshot, capacity)}, nil
}

// Cap returns the capacity.
func (b *Buffer) Cap() int { return len(b.slots) }

// Len returns the number of held entries.
func (b *Buffer) Len() int { return b.n }

// Push appends a copy of s, evicting the oldest entry when full. The
// evicted entry is returned, or nil.
func (b *Buffer) Push(s *snapshot.Snapshot) *snapshot.Snapshot {
	var evicted *snapshot.Snapshot
	idx := (b.head + b.n) % len(b.slots)
	if b.n == len(b.slots) {
		evicted = b.slots[b.head].Clone()
		b.head = (b.head + 1) % len(b.slots)
	} else {
		b.n++
	}
	b.slots[idx] = *s.Clone()
	return evicted
}

// at returns the entry i positions behind the newest.
func (b *Buffer) at(i int) *snapshot.Snapshot {
	return b.slots[(b.head+b.n-1-i)%len(b.slots)].Clone()
}

// ReadDelayed returns a copy of the entry n positions behind the
// newest; false when fewer than n+1 entries exist.
func (b *Buffer) ReadDelayed(n int) (*snapshot.Snapshot, bool) {
	if n < 0 || n >= b.n {
		return nil, false
	}
	return b.at(n), true
}

// Newest returns the most recent entry.
func (b *Buffer) Newest() (*snapshot.Snapshot, bool) {
	return b.ReadDelayed(0)
}

// LastTwo returns the second newest and newest entries.
func (b *Buffer) LastTwo() (prev, last *snapshot.Snapshot, ok bool) {
	if b.n < 2 {
		return nil, nil, false
	}
	return b.at(1), b.at(0), true
}

// Clear drops every entry.
func (b *Buffer) Clear() {
	for i := range b.slots {
		b.slots[i] = snapshot.Snapshot{}
	}
	b.head, b.n = 0, 0
}
