// Package audit declares the mutation-audit capability: a bounded
// mailbox the filesystem engine submits events to without blocking on
// persistence, and the Sink a single consumer goroutine drains it
// into. merkle.Engine is this module's concrete Sink; package audit
// only knows about the interface, grounded on the trigger/process
// split in the original implementation's irrefutable_audit.rs.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/shardfs/shardfs/internal/xlog"
)

// EventType distinguishes the two mutation events spec.md §3 defines.
type EventType int

const (
	// Disassembled is emitted once per successful write commit.
	Disassembled EventType = iota
	// Reassembled is emitted once per successful read that
	// reconstructs plaintext.
	Reassembled
)

func (t EventType) String() string {
	switch t {
	case Disassembled:
		return "DISASSEMBLED"
	case Reassembled:
		return "REASSEMBLED"
	default:
		return "UNKNOWN"
	}
}

// Event is the structured mutation record the engine hands to the
// audit sink.
type Event struct {
	CreatedAt time.Time
	Type      EventType
	FilePath  string
	// EventKey is the "owner" of the event: the first path component,
	// per spec.md §4.G step 7.
	EventKey string
}

// Sink is the capability a concrete audit backend implements.
type Sink interface {
	// ProcessEvent persists a single event. Called sequentially by the
	// mailbox's single consumer, so implementations need not
	// synchronize against concurrent ProcessEvent calls from this
	// package, only against their own other entry points (e.g. a
	// reader concurrently walking historical roots).
	ProcessEvent(ctx context.Context, ev Event) error
	// Shutdown releases any resources the sink holds. The mailbox
	// calls Shutdown only after its channel has been fully drained.
	Shutdown(ctx context.Context) error
}

// ErrMailboxFull is returned by Trigger when the bounded mailbox has no
// room; spec.md §4.I: "non-fatal for the filesystem operation."
var ErrMailboxFull = errors.New("audit: mailbox full")

// Mailbox is a bounded, single-consumer event queue in front of a Sink.
type Mailbox struct {
	sink   Sink
	events chan Event
	done   chan struct{}
	closed chan struct{}
}

// NewMailbox returns a Mailbox with the given channel capacity. Call
// Start to begin draining it.
func NewMailbox(sink Sink, capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{
		sink:   sink,
		events: make(chan Event, capacity),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Start launches the single consumer goroutine. It runs until ctx is
// canceled or Shutdown is called.
func (m *Mailbox) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Mailbox) run(ctx context.Context) {
	defer close(m.closed)
	for {
		select {
		case ev := <-m.events:
			if err := m.sink.ProcessEvent(ctx, ev); err != nil {
				// Audit sink errors are logged and swallowed: a
				// failing audit must not abort filesystem operations.
				// The caller of Trigger has already returned
				// successfully by the time this runs.
				logDropped(ev, err)
			}
		case <-m.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case ev := <-m.events:
					if err := m.sink.ProcessEvent(ctx, ev); err != nil {
						logDropped(ev, err)
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Trigger enqueues ev without blocking the caller on persistence. If
// the mailbox is full it returns ErrMailboxFull; the caller logs and
// continues, per spec.md §4.I.
func (m *Mailbox) Trigger(ev Event) error {
	select {
	case m.events <- ev:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Shutdown signals the consumer to drain the mailbox and stop, then
// shuts down the underlying sink. It blocks until draining completes.
func (m *Mailbox) Shutdown(ctx context.Context) error {
	close(m.done)
	select {
	case <-m.closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.sink.Shutdown(ctx)
}

func logDropped(ev Event, err error) {
	xlog.Component("audit").Warn().
		Err(err).
		Str("path", ev.FilePath).
		Str("event_type", ev.Type.String()).
		Msg("audit event processing failed, continuing")
}
