package mqtt5

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ToDoQueue is the bounded FIFO of pending outbound work. Entries wait
// here until the connection is up, the retry replay has finished and the
// server's receive maximum has room.
//
// Draining is cooperative: the engine pops one entry at a time, and the
// queue stops yielding while paused. Pause is asserted on connection end
// and released only after the retry replay completes, so replayed traffic
// always precedes fresh traffic on the wire.
type ToDoQueue struct {
	mu         sync.Mutex
	entries    []todoEntry
	limit      int
	paused     bool
	dropOldest bool

	limiter *rate.Limiter
}

type todoEntry struct {
	packet Packet
	token  *Token
}

// NewToDoQueue creates a queue bounded at limit entries. A limit of zero
// or less means unbounded. A non-nil limiter paces the drain.
func NewToDoQueue(limit int, limiter *rate.Limiter) *ToDoQueue {
	return &ToDoQueue{
		limit:   limit,
		paused:  true,
		limiter: limiter,
	}
}

// SetLimit adjusts the bound. Existing overflow entries are not evicted.
func (q *ToDoQueue) SetLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// SetDropOldest switches the full-buffer policy from reject (the default)
// to evicting the oldest entry.
func (q *ToDoQueue) SetDropOldest(drop bool) {
	q.mu.Lock()
	q.dropOldest = drop
	q.mu.Unlock()
}

// Add appends an entry. When the queue is full the entry is rejected, or
// the oldest entry evicted under the drop-oldest policy; the loser's
// token completes with ErrBufferFull.
func (q *ToDoQueue) Add(packet Packet, token *Token) error {
	q.mu.Lock()
	var evicted *Token
	if q.limit > 0 && len(q.entries) >= q.limit {
		if !q.dropOldest {
			q.mu.Unlock()
			if token != nil {
				token.complete(ErrBufferFull)
			}
			return ErrBufferFull
		}
		evicted = q.entries[0].token
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, todoEntry{packet: packet, token: token})
	q.mu.Unlock()

	if evicted != nil {
		evicted.complete(ErrBufferFull)
	}
	return nil
}

// Pause stops the drain. Asserted on connection end.
func (q *ToDoQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume releases the drain after retry replay completes.
func (q *ToDoQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Paused reports whether the drain is gated.
func (q *ToDoQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Drain pops entries and hands them to send while the queue is unpaused,
// gate admits the head entry, and send succeeds. A send error leaves the
// remaining entries queued.
func (q *ToDoQueue) Drain(ctx context.Context, gate func(Packet) bool, send func(Packet, *Token) error) error {
	for {
		q.mu.Lock()
		if q.paused || len(q.entries) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.entries[0]
		if gate != nil && !gate(head.packet) {
			q.mu.Unlock()
			return nil
		}
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				// Put the entry back at the head; the drain is being
				// cancelled, not the operation.
				q.requeue(head)
				return err
			}
		}

		if err := send(head.packet, head.token); err != nil {
			q.requeue(head)
			return err
		}
	}
}

func (q *ToDoQueue) requeue(entry todoEntry) {
	q.mu.Lock()
	q.entries = append([]todoEntry{entry}, q.entries...)
	q.mu.Unlock()
}

// Size returns the number of queued entries.
func (q *ToDoQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Get returns the queued packet at index, for buffer inspection.
func (q *ToDoQueue) Get(index int) (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.entries) {
		return nil, false
	}
	return q.entries[index].packet, true
}

// Remove deletes the queued entry at index and returns its packet. The
// entry's token completes with ErrClientClosed semantics left to the
// caller; Remove itself completes nothing.
func (q *ToDoQueue) Remove(index int) (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.entries) {
		return nil, false
	}
	entry := q.entries[index]
	q.entries = append(q.entries[:index], q.entries[index+1:]...)
	return entry.packet, true
}

// Shutdown empties the queue, completing every pending token with err.
func (q *ToDoQueue) Shutdown(err error) {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.paused = true
	q.mu.Unlock()

	for _, entry := range entries {
		if entry.token != nil {
			entry.token.complete(err)
		}
	}
}
