package audio_test

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/audio/mock"
)

func newQueue(t *testing.T, opts ...audio.QueueOption) (*audio.Queue, *mock.Output) {
	t.Helper()
	out := &mock.Output{PlaybackFormat: audio.PCM16}
	return audio.NewQueue(out, opts...), out
}

func pcm(frames int) audio.Buffer {
	return audio.NewBuffer(audio.PCM16, make([]byte, frames*2))
}

func TestQueue_EmptyQueueSchedulesImmediately(t *testing.T) {
	t.Parallel()

	q, out := newQueue(t)
	q.Enqueue(pcm(10), nil)

	if out.Pending() != 1 {
		t.Fatalf("pending on output = %d, want 1", out.Pending())
	}
	if !q.IsPlaying() {
		t.Error("IsPlaying() = false with one item")
	}
}

func TestQueue_OnlyOneItemActive(t *testing.T) {
	t.Parallel()

	q, out := newQueue(t)
	q.Enqueue(pcm(1), nil)
	q.Enqueue(pcm(2), nil)
	q.Enqueue(pcm(3), nil)

	if out.Pending() != 1 {
		t.Errorf("pending on output = %d, want 1", out.Pending())
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}
}

func TestQueue_FIFOWithNextStartedBeforeCallback(t *testing.T) {
	t.Parallel()

	q, out := newQueue(t)

	var order []string
	for _, name := range []string{"A", "B", "C"} {
		q.Enqueue(pcm(len(name)), func() {
			// By the time the callback runs, the next item is already on the
			// output and this one is gone from the queue.
			order = append(order, name)
			order = append(order, "scheduled="+strconv.Itoa(len(out.Scheduled())))
		})
	}

	for out.CompleteNext() {
	}

	want := []string{"A", "scheduled=2", "B", "scheduled=3", "C", "scheduled=3"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestQueue_IsPlayingIffNonEmpty(t *testing.T) {
	t.Parallel()

	q, out := newQueue(t)
	if q.IsPlaying() {
		t.Fatal("IsPlaying() = true on empty queue")
	}

	var seen []bool
	q.Enqueue(pcm(1), func() { seen = append(seen, q.IsPlaying()) })
	q.Enqueue(pcm(1), func() { seen = append(seen, q.IsPlaying()) })

	out.CompleteNext()
	out.CompleteNext()

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("IsPlaying inside callbacks = %v, want [true false]", seen)
	}
	if q.IsPlaying() {
		t.Error("IsPlaying() = true after last completion")
	}
}

func TestQueue_CallbackFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	q, out := newQueue(t)
	calls := 0
	q.Enqueue(pcm(1), func() { calls++ })
	out.CompleteNext()
	out.CompleteNext()
	if calls != 1 {
		t.Errorf("callback fired %d times, want 1", calls)
	}
}

func TestQueue_FlushDropsWithoutCallbacks(t *testing.T) {
	t.Parallel()

	q, out := newQueue(t)
	fired := false
	q.Enqueue(pcm(1), func() { fired = true })
	q.Enqueue(pcm(1), func() { fired = true })

	// Snapshot what reached the output before flushing.
	stale := out.Scheduled()
	q.Flush()

	if q.IsPlaying() {
		t.Error("IsPlaying() = true after Flush")
	}
	if out.CallCountFlush != 1 {
		t.Errorf("output Flush called %d times, want 1", out.CallCountFlush)
	}
	if out.CompleteNext() {
		t.Error("output still had pending buffers after Flush")
	}
	if fired || len(stale) != 1 {
		t.Errorf("fired = %v, stale = %d; want no callbacks and one scheduled buffer", fired, len(stale))
	}

	// The queue accepts new work after a flush.
	q.Enqueue(pcm(1), func() { fired = true })
	out.CompleteNext()
	if !fired {
		t.Error("callback after Flush never fired")
	}
}

func TestQueue_StaleCompletionIgnored(t *testing.T) {
	t.Parallel()

	out := &lateOutput{}
	q := audio.NewQueue(out)

	var got []int
	q.Enqueue(pcm(1), func() { got = append(got, 1) })
	q.Flush()
	q.Enqueue(pcm(2), func() { got = append(got, 2) })

	// The first item's completion arrives after the flush.
	out.complete(0)
	if len(got) != 0 {
		t.Fatalf("stale completion fired callbacks: %v", got)
	}
	if !q.IsPlaying() {
		t.Fatal("stale completion removed the new item")
	}
	out.complete(1)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("got %v, want [2]", got)
	}
}

func TestQueue_ScheduleFailureSkipsItem(t *testing.T) {
	t.Parallel()

	q, out := newQueue(t)
	out.ScheduleError = errors.New("device gone")

	fired := false
	q.Enqueue(pcm(1), func() { fired = true })
	if !fired {
		t.Error("callback not fired for unschedulable buffer")
	}
	if q.IsPlaying() {
		t.Error("queue stalled on unschedulable buffer")
	}
}

func TestQueue_DepthObserver(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	depth := 0
	q, out := newQueue(t, audio.WithDepthObserver(func(d int) {
		mu.Lock()
		depth += d
		mu.Unlock()
	}))

	q.Enqueue(pcm(1), nil)
	q.Enqueue(pcm(1), nil)
	q.Enqueue(pcm(1), nil)
	out.CompleteNext()
	mu.Lock()
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
	mu.Unlock()

	q.Flush()
	mu.Lock()
	defer mu.Unlock()
	if depth != 0 {
		t.Errorf("depth after Flush = %d, want 0", depth)
	}
}

func TestQueue_ConcurrentEnqueueAndComplete(t *testing.T) {
	t.Parallel()

	out := &mock.Output{PlaybackFormat: audio.PCM16, AutoComplete: true}
	q := audio.NewQueue(out)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go q.Enqueue(pcm(1), wg.Done)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("only some callbacks fired; queue length %d", q.Len())
	}
	if q.IsPlaying() {
		t.Error("IsPlaying() = true after all callbacks fired")
	}
}

// lateOutput records completions so the test decides when they arrive.
type lateOutput struct {
	mu    sync.Mutex
	dones []func()
}

func (o *lateOutput) Format() audio.Format { return audio.PCM16 }

func (o *lateOutput) Schedule(_ audio.Buffer, done func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dones = append(o.dones, done)
	return nil
}

func (o *lateOutput) complete(i int) {
	o.mu.Lock()
	done := o.dones[i]
	o.mu.Unlock()
	done()
}
