// ABOUTME: Per-agent outbox: a priority heap of queued commands plus the in-flight set
// ABOUTME: Only accessed while the owning agent's registry lock is held

package queue

import (
	"container/heap"

	"github.com/2389/coven-dispatch/internal/store"
)

// commandHeap orders commands by priority, highest first, then by enqueue
// sequence.
type commandHeap []*store.Command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) { *h = append(*h, x.(*store.Command)) }

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

type outbox struct {
	pending  commandHeap
	inflight map[string]*store.Command
	signal   chan struct{} // closed on the next push
}

func newOutbox() *outbox {
	return &outbox{inflight: make(map[string]*store.Command)}
}

func (b *outbox) push(c *store.Command) {
	heap.Push(&b.pending, c)
	if b.signal != nil {
		close(b.signal)
		b.signal = nil
	}
}

func (b *outbox) pop() *store.Command {
	if len(b.pending) == 0 {
		return nil
	}
	return heap.Pop(&b.pending).(*store.Command)
}

// wait returns a channel closed when a command is available.
func (b *outbox) wait() <-chan struct{} {
	if len(b.pending) > 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if b.signal == nil {
		b.signal = make(chan struct{})
	}
	return b.signal
}
