package hub

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"wsagent/internal/protocol"
)

// Mailbox is an in-process reply address backed by a buffered channel.
// When the buffer is full the oldest undelivered event is discarded.
type Mailbox struct {
	id      string
	ch      chan protocol.Event
	dropped atomic.Uint64
}

// NewMailbox creates a mailbox buffering up to capacity events (minimum 1).
func NewMailbox(capacity int) *Mailbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox{
		id: uuid.NewString(),
		ch: make(chan protocol.Event, capacity),
	}
}

// ID returns the mailbox identity.
func (m *Mailbox) ID() string { return m.id }

// C returns the receive side of the mailbox.
func (m *Mailbox) C() <-chan protocol.Event { return m.ch }

// Dropped returns the number of events discarded because the buffer was full.
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }

// Deliver implements protocol.ReplyAddress. It never blocks.
func (m *Mailbox) Deliver(ev protocol.Event) {
	for {
		select {
		case m.ch <- ev:
			return
		default:
		}
		select {
		case <-m.ch:
			m.dropped.Add(1)
		default:
		}
	}
}

// Next waits for the next event or for ctx to end.
func (m *Mailbox) Next(ctx context.Context) (protocol.Event, error) {
	select {
	case ev := <-m.ch:
		return ev, nil
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}
