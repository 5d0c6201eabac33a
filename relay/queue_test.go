package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mmx233/XRelay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func frameOfType(msgType byte, msgID uint32) []byte {
	return protocol.NewFrame(protocol.SessionID{}, msgType, msgID, nil)
}

func TestNewMessage_Classification(t *testing.T) {
	tests := []struct {
		msgType  byte
		expected Priority
	}{
		{protocol.TypePointerMotion, PriorityPointer},
		{protocol.TypeCursorImage, PriorityCursor},
		{protocol.TypeKeepAlive, PriorityDefault},
		{0, PriorityDefault},
		{42, PriorityDefault},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NewMessage(frameOfType(tt.msgType, 0)).Priority(), "type %d", tt.msgType)
	}

	assert.Equal(t, PriorityControl, InterruptMessage("x").Priority())
	assert.Equal(t, PriorityControl, CloseMessage().Priority())
}

// Feature: outbound-queue, Property 1: Delivery order
// For any sequence of pushed frames, pops return them ordered by priority
// class and, within a class, in push order.
func TestProperty_QueueDeliveryOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		types := rapid.SliceOfN(rapid.SampledFrom([]byte{
			protocol.TypePointerMotion, protocol.TypeCursorImage, 1, 2, 9,
		}), 1, 100).Draw(t, "types")

		q := newMessageQueue()
		for i, typ := range types {
			q.Push(NewMessage(frameOfType(typ, uint32(i))))
		}
		if q.Len() != len(types) {
			t.Fatalf("queue length %d, want %d", q.Len(), len(types))
		}

		var prev *Message
		for range types {
			m, err := q.Pop(context.Background(), time.Second)
			if err != nil {
				t.Fatalf("pop: %v", err)
			}
			if prev != nil {
				if m.Priority() < prev.Priority() {
					t.Fatalf("priority %d delivered after %d", m.Priority(), prev.Priority())
				}
				if m.Priority() == prev.Priority() && protocol.FrameID(m.Payload()) < protocol.FrameID(prev.Payload()) {
					t.Fatalf("frame %d delivered after %d within one class", protocol.FrameID(m.Payload()), protocol.FrameID(prev.Payload()))
				}
			}
			prev = m
		}
		if q.Len() != 0 {
			t.Fatalf("queue not drained: %d left", q.Len())
		}
	})
}

func TestMessageQueue_SentinelOvertakesBacklog(t *testing.T) {
	q := newMessageQueue()
	for i := 0; i < 50; i++ {
		q.Push(NewMessage(frameOfType(protocol.TypePointerMotion, uint32(i))))
	}
	q.Push(InterruptMessage("backend gone"))

	m, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, m.IsInterrupt())
	assert.Equal(t, "backend gone", m.Reason())
}

func TestMessageQueue_PopTimeout(t *testing.T) {
	q := newMessageQueue()

	start := time.Now()
	_, err := q.Pop(context.Background(), 30*time.Millisecond)
	assert.True(t, errors.Is(err, errQueueTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Pop(ctx, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMessageQueue_PopWakesOnPush(t *testing.T) {
	q := newMessageQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(CloseMessage())
	}()

	m, err := q.Pop(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, m.IsClose())
	assert.GreaterOrEqual(t, m.Age(), time.Duration(0))
}

func TestInstructionQueue_FIFO(t *testing.T) {
	q := newInstructionQueue()
	for i := 0; i < 10; i++ {
		q.Push([]byte{byte(i)})
	}
	assert.Equal(t, 10, q.Len())

	for i := 0; i < 10; i++ {
		frame, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
