// Package buffer provides the FIFO micro-batch buffer for outgoing bridge events.
package buffer

import (
	"sync"

	v1 "github.com/missionctl/bridge/pkg/api/v1"
)

// Buffer accumulates bridge events until the orchestrator flushes them to the
// state store. A failed flush is requeued at the head so batch order is
// preserved.
type Buffer struct {
	mu        sync.Mutex
	pending   []v1.BridgeEvent
	batchSize int
}

// New creates a buffer that reports a size-triggered flush at batchSize.
func New(batchSize int) *Buffer {
	return &Buffer{batchSize: batchSize}
}

// Add appends an event and reports whether the buffer has reached the
// configured batch size.
func (b *Buffer) Add(event v1.BridgeEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, event)
	return len(b.pending) >= b.batchSize
}

// Drain returns and clears the buffered events. An empty buffer returns an
// empty slice.
func (b *Buffer) Drain() []v1.BridgeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

// Requeue prepends a failed batch so the next drain returns it first, in its
// original order, followed by anything added in the interim.
func (b *Buffer) Requeue(events []v1.BridgeEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(append([]v1.BridgeEvent{}, events...), b.pending...)
}

// Size returns the current number of buffered events.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
