package session

import "mudgate/internal/envelope"

// DefaultBufferCapacity is the per-session Outage Buffer size.
const DefaultBufferCapacity = 1000

// OutageBuffer is a bounded FIFO ring of envelopes headed for the
// Server.  It holds envelopes sent but not yet acknowledged as well as
// envelopes produced while the control link is down.  Seqs are strictly
// increasing from head to tail.  It is not safe for concurrent use; the
// owning Session's mutex guards it.
type OutageBuffer struct {
	items []*envelope.Envelope
	head  int
	n     int
}

// NewOutageBuffer returns a buffer holding at most capacity envelopes.
func NewOutageBuffer(capacity int) *OutageBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &OutageBuffer{items: make([]*envelope.Envelope, capacity)}
}

// Len returns the number of buffered envelopes.
func (b *OutageBuffer) Len() int { return b.n }

// Cap returns the buffer capacity.
func (b *OutageBuffer) Cap() int { return len(b.items) }

// Push appends e.  When the buffer is full the oldest entry is evicted
// and returned.
func (b *OutageBuffer) Push(e *envelope.Envelope) (evicted *envelope.Envelope) {
	if b.n == len(b.items) {
		evicted = b.items[b.head]
		b.items[b.head] = nil
		b.head = (b.head + 1) % len(b.items)
		b.n--
	}
	b.items[(b.head+b.n)%len(b.items)] = e
	b.n++
	return evicted
}

// AckThrough removes every entry with Seq <= seq from the head and
// returns how many were removed.
func (b *OutageBuffer) AckThrough(seq uint64) int {
	removed := 0
	for b.n > 0 {
		e := b.items[b.head]
		if e.Seq > seq {
			break
		}
		b.items[b.head] = nil
		b.head = (b.head + 1) % len(b.items)
		b.n--
		removed++
	}
	return removed
}

// Each calls fn for every entry oldest first, stopping at the first
// error.
func (b *OutageBuffer) Each(fn func(*envelope.Envelope) error) error {
	for i := 0; i < b.n; i++ {
		if err := fn(b.items[(b.head+i)%len(b.items)]); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops everything and returns how many entries were dropped.
func (b *OutageBuffer) Clear() int {
	n := b.n
	for i := range b.items {
		b.items[i] = nil
	}
	b.head, b.n = 0, 0
	return n
}
