package relay

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

var errQueueTimeout = errors.New("queue wait timed out")

type messageHeap []*Message

func (h messageHeap) Len() int           { return len(h) }
func (h messageHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h messageHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

// messageQueue is an unbounded priority queue with a single consumer.
type messageQueue struct {
	mu     sync.Mutex
	items  messageHeap
	seq    uint64
	notify chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{notify: make(chan struct{}, 1)}
}

func (q *messageQueue) Push(m *Message) {
	q.mu.Lock()
	q.seq++
	m.seq = q.seq
	m.enqueued = time.Now()
	heap.Push(&q.items, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *messageQueue) tryPop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Message)
}

// Pop returns the most urgent message, waiting up to timeout. It returns
// errQueueTimeout when nothing arrived and ctx.Err() when ctx ends first.
func (q *messageQueue) Pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	if m := q.tryPop(); m != nil {
		return m, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if m := q.tryPop(); m != nil {
				return m, nil
			}
		case <-timer.C:
			return nil, errQueueTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// instructionQueue is an unbounded FIFO with a single consumer.
type instructionQueue struct {
	mu     sync.Mutex
	items  deque.Deque[[]byte]
	notify chan struct{}
}

func newInstructionQueue() *instructionQueue {
	return &instructionQueue{notify: make(chan struct{}, 1)}
}

func (q *instructionQueue) Push(frame []byte) {
	q.mu.Lock()
	q.items.PushBack(frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *instructionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Pop blocks until an instruction is available or ctx ends.
func (q *instructionQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			frame := q.items.PopFront()
			q.mu.Unlock()
			return frame, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
