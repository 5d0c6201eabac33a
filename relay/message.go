package relay

import (
	"time"

	"github.com/Mmx233/XRelay/protocol"
)

// Priority orders outbound messages. Lower values are delivered first.
type Priority int

const (
	PriorityControl Priority = iota // interrupt and close sentinels
	PriorityPointer
	PriorityCursor
	PriorityDefault
)

type messageKind uint8

const (
	kindFrame messageKind = iota
	kindInterrupt
	kindClose
)

// Message is one entry of a client's outbound queue: a frame or a sentinel.
type Message struct {
	kind     messageKind
	payload  []byte
	reason   string
	priority Priority

	seq      uint64    // assigned on enqueue
	enqueued time.Time // diagnostics only
}

// NewMessage wraps a frame of at least protocol.HeaderSize bytes and
// classifies it by frame type.
func NewMessage(frame []byte) *Message {
	return &Message{kind: kindFrame, payload: frame, priority: classify(frame)}
}

// InterruptMessage ends the reader's stream with an interrupted error.
func InterruptMessage(reason string) *Message {
	return &Message{kind: kindInterrupt, reason: reason, priority: PriorityControl}
}

// CloseMessage ends the reader's stream cleanly.
func CloseMessage() *Message {
	return &Message{kind: kindClose, priority: PriorityControl}
}

func classify(frame []byte) Priority {
	switch protocol.FrameType(frame) {
	case protocol.TypePointerMotion:
		return PriorityPointer
	case protocol.TypeCursorImage:
		return PriorityCursor
	default:
		return PriorityDefault
	}
}

func (m *Message) Payload() []byte    { return m.payload }
func (m *Message) Priority() Priority { return m.priority }
func (m *Message) Reason() string     { return m.reason }
func (m *Message) IsInterrupt() bool  { return m.kind == kindInterrupt }
func (m *Message) IsClose() bool      { return m.kind == kindClose }

// Age returns how long the message has been queued.
func (m *Message) Age() time.Duration {
	if m.enqueued.IsZero() {
		return 0
	}
	return time.Since(m.enqueued)
}

// Before reports whether m is delivered before o: by priority, then by enqueue order.
func (m *Message) Before(o *Message) bool {
	if m.priority != o.priority {
		return m.priority < o.priority
	}
	return m.seq < o.seq
}
