package audio

import (
	"log/slog"
	"sync"
)

// QueueOption is a functional option for [NewQueue].
type QueueOption func(*Queue)

// WithDepthObserver registers fn to be called with +1 on every enqueue and -1
// on every completion or flushed item. Intended for queue-depth gauges.
func WithDepthObserver(fn func(delta int)) QueueOption {
	return func(q *Queue) { q.observe = fn }
}

// playbackItem is one buffer waiting for, or undergoing, playback.
type playbackItem struct {
	id         uint64
	buf        Buffer
	onFinished func()
}

// Queue sequences buffers onto an [Output] so that consecutive responses play
// back to back without gaps.
//
// Items play strictly in enqueue order and at most one item is scheduled on
// the output at a time. When the active item finishes, the queue removes it,
// starts the next item, and only then invokes the finished item's callback,
// so a callback always observes the queue without its own item.
//
// All methods are safe for concurrent use.
type Queue struct {
	out     Output
	observe func(delta int)

	mu     sync.Mutex
	items  []*playbackItem
	nextID uint64
}

// NewQueue creates an empty Queue playing through out.
func NewQueue(out Output, opts ...QueueOption) *Queue {
	q := &Queue{out: out, observe: func(int) {}}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Format returns the format items must be in, taken from the output.
func (q *Queue) Format() Format { return q.out.Format() }

// Enqueue appends buf to the queue. If the queue was empty the buffer starts
// playing immediately. onFinished, if non-nil, is invoked exactly once after
// the buffer has played out, unless the item is discarded by [Queue.Flush].
func (q *Queue) Enqueue(buf Buffer, onFinished func()) {
	q.mu.Lock()
	q.nextID++
	item := &playbackItem{id: q.nextID, buf: buf, onFinished: onFinished}
	q.items = append(q.items, item)
	first := len(q.items) == 1
	q.mu.Unlock()

	q.observe(1)
	if first {
		q.schedule(item)
	}
}

// IsPlaying reports whether any item is queued or playing. It is true iff the
// queue is non-empty.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// Len returns the number of queued items including the active one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush discards every queued item without invoking callbacks and asks the
// output to drop scheduled audio if it implements [Flusher]. A completion that
// arrives later for a discarded item is ignored.
func (q *Queue) Flush() {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	if f, ok := q.out.(Flusher); ok {
		f.Flush()
	}
	q.observe(-n)
	if n > 0 {
		slog.Debug("audio queue: flushed", "items", n)
	}
}

// schedule hands item to the output. A failed schedule is treated as an
// immediate completion so the queue never stalls.
func (q *Queue) schedule(item *playbackItem) {
	id := item.id
	if err := q.out.Schedule(item.buf, func() { q.finished(id) }); err != nil {
		slog.Warn("audio queue: failed to schedule buffer, skipping", "err", err, "frames", item.buf.Frames)
		q.finished(id)
	}
}

// finished advances the queue after the item with the given id played out.
func (q *Queue) finished(id uint64) {
	q.mu.Lock()
	if len(q.items) == 0 || q.items[0].id != id {
		// Stale completion for a flushed item.
		q.mu.Unlock()
		return
	}
	done := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	var next *playbackItem
	if len(q.items) > 0 {
		next = q.items[0]
	}
	q.mu.Unlock()

	q.observe(-1)
	if next != nil {
		q.schedule(next)
	}
	if done.onFinished != nil {
		done.onFinished()
	}
}
