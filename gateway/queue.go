package gateway

import "sync"

// sendQueue is a bounded FIFO of encoded frames. The frame the writer has
// popped but not finished writing still counts against capacity. When full,
// the oldest queued frame is discarded so the newest is always kept. push
// never blocks.
type sendQueue struct {
	mu       sync.Mutex
	buf      [][]byte
	head     int
	size     int
	inflight bool
	dropped  uint64
	closed   bool

	// ready has capacity one and is signalled whenever frames become pending.
	ready chan struct{}
}

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &sendQueue{buf: make([][]byte, capacity), ready: make(chan struct{}, 1)}
}

// push appends frame and reports whether an older frame had to be dropped to
// make room. ok is false once the queue is closed.
func (q *sendQueue) push(frame []byte) (dropped, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if q.size > 0 && q.size >= q.limit() {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = frame
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped, true
}

// limit is the number of queued frames allowed next to the in-flight one.
// A single-slot queue keeps its slot so the newest frame is never refused.
func (q *sendQueue) limit() int {
	if q.inflight && len(q.buf) > 1 {
		return len(q.buf) - 1
	}
	return len(q.buf)
}

// pop removes the oldest frame and marks it in flight until done is called.
func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 || q.closed {
		return nil, false
	}
	frame := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.inflight = true
	return frame, true
}

// done releases the slot held by the frame returned from the last pop.
func (q *sendQueue) done() {
	q.mu.Lock()
	q.inflight = false
	q.mu.Unlock()
}

// close discards pending frames and rejects further pushes.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.head, q.size = 0, 0
	q.inflight = false
	q.mu.Unlock()
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// pending counts queued frames plus the one being written.
func (q *sendQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight {
		return q.size + 1
	}
	return q.size
}

func (q *sendQueue) droppedTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
