package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Side tags which buffer slot is active, if any.
type Side int32

const (
	SideNone Side = iota
	SideA
	SideB
	SideIdle
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	case SideIdle:
		return "IDLE"
	default:
		return "NONE"
	}
}

// Buffer is the double-buffered publication point for real-time stores. A
// refresh writes the inactive slot and then flips the tag; readers snapshot
// the tag once per request and use that slot throughout. The read path takes
// no lock.
type Buffer struct {
	slots [2]atomic.Pointer[Store]
	tag   atomic.Int32
	// lastSide remembers which slot held good data before the tag went
	// IDLE, so Resume can restore it. Requests Resume concurrently with
	// refresher Publishes, so it is atomic like the tag.
	lastSide atomic.Int32
}

func NewBuffer() *Buffer {
	b := &Buffer{}
	b.tag.Store(int32(SideNone))
	return b
}

// Snapshot returns the active store, or nil when the tag is NONE or IDLE.
// The returned store stays coherent for the whole request even if a flip
// happens concurrently.
func (b *Buffer) Snapshot() *Store {
	side := Side(b.tag.Load())
	switch side {
	case SideA:
		return b.slots[0].Load()
	case SideB:
		return b.slots[1].Load()
	default:
		return nil
	}
}

// ActiveSide returns the current tag.
func (b *Buffer) ActiveSide() Side {
	return Side(b.tag.Load())
}

// Publish writes the store into the slot the tag does not point at, then
// flips the tag. The flip happens-before any subsequent snapshot.
func (b *Buffer) Publish(store *Store) {
	next := SideA
	if Side(b.tag.Load()) == SideA {
		next = SideB
	}
	b.slots[next-SideA].Store(store)
	b.lastSide.Store(int32(next))
	b.tag.Store(int32(next))
}

// Clear sets the active side to NONE. Slot contents are left in place and
// replaced by the next successful Publish.
func (b *Buffer) Clear() {
	b.tag.Store(int32(SideNone))
}

// Idle parks the buffer: readers see no store until Resume or the next
// Publish.
func (b *Buffer) Idle() {
	b.tag.Store(int32(SideIdle))
}

// Resume restores the last published side after an idle period, if any data
// was ever published.
func (b *Buffer) Resume() {
	last := Side(b.lastSide.Load())
	if last == SideA || last == SideB {
		b.tag.Store(int32(last))
	} else {
		b.tag.Store(int32(SideNone))
	}
}

// Heartbeat tracks the most recent real-time transaction. The refresher
// consults it to decide whether to idle; the server touches it once per
// request.
type Heartbeat struct {
	mu   sync.Mutex
	last time.Time
}

// Touch stamps the heartbeat with the current request time.
func (h *Heartbeat) Touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.After(h.last) {
		h.last = now
	}
}

// Last returns the most recent transaction time.
func (h *Heartbeat) Last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
