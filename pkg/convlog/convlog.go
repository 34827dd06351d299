// Package convlog holds the append-only conversation log shown to the user:
// rendered assistant responses, function calls and user transcripts, in
// arrival order.
//
// A [Log] is written by the realtime session and read by UI collaborators,
// either as a snapshot ([Log.Entries]) or as a live feed ([Log.Subscribe]).
// Entries can additionally be persisted through one or more [Sink]s, which run
// on a background goroutine so a slow store never stalls the session.
package convlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies an [Entry].
type Kind string

const (
	// KindResponse is the rendered text of a finished model response.
	KindResponse Kind = "response"

	// KindUserTranscript is the transcript of the user's speech.
	KindUserTranscript Kind = "user_transcript"

	// KindUserText is a typed user message.
	KindUserText Kind = "user_text"
)

// Entry is one line of the conversation log.
type Entry struct {
	// Seq is the 1-based position in the log, assigned by [Log.Append].
	Seq int64

	// SessionID identifies the realtime session that produced the entry.
	SessionID string

	Kind Kind
	Role string
	Text string

	// Time is when the entry was appended.
	Time time.Time
}

// Sink persists entries. Write is called from a single background goroutine
// in append order.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Option is a functional option for [New].
type Option func(*Log)

// WithSink adds a persistence sink.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithSubscriberBuffer sets the channel capacity of new subscriptions.
// Default 64. A subscriber that falls this far behind misses entries.
func WithSubscriberBuffer(n int) Option {
	return func(l *Log) { l.subBuffer = n }
}

// Log is an append-only, ordered conversation log. All methods are safe for
// concurrent use.
type Log struct {
	sinks     []Sink
	subBuffer int

	mu      sync.Mutex
	entries []Entry
	subs    map[chan Entry]struct{}
	closed  bool

	sinkCh    chan Entry
	sinkDone  chan struct{}
	closeOnce sync.Once
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		subBuffer: 64,
		subs:      make(map[chan Entry]struct{}),
		sinkDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if len(l.sinks) > 0 {
		l.sinkCh = make(chan Entry, 256)
		go l.sinkLoop()
	} else {
		close(l.sinkDone)
	}
	return l
}

// Append adds e to the end of the log, stamping Seq and Time, and returns the
// stored entry. Appends after [Log.Close] are dropped.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return e
	}
	e.Seq = int64(len(l.entries) + 1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.entries = append(l.entries, e)
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("convlog: subscriber too slow, dropping entry", "seq", e.Seq)
		}
	}
	sinkCh := l.sinkCh
	if sinkCh != nil {
		// Sending under the lock keeps sink order equal to Seq order.
		select {
		case sinkCh <- e:
		default:
			slog.Warn("convlog: sink backlog full, entry not persisted", "seq", e.Seq)
		}
	}
	l.mu.Unlock()
	return e
}

// Entries returns a snapshot of the log in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel that receives every entry appended from now on,
// and a cancel function that unsubscribes and closes the channel. The channel
// is also closed by [Log.Close].
func (l *Log) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, l.subBuffer)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[ch]; ok {
				delete(l.subs, ch)
				close(ch)
			}
		})
	}
}

// Close closes all subscriptions and waits until pending entries have been
// handed to the sinks or ctx expires. Idempotent.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		for ch := range l.subs {
			delete(l.subs, ch)
			close(ch)
		}
		if l.sinkCh != nil {
			close(l.sinkCh)
		}
		l.mu.Unlock()
	})
	select {
	case <-l.sinkDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Log) sinkLoop() {
	defer close(l.sinkDone)
	for e := range l.sinkCh {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Write(ctx, e); err != nil {
				slog.Warn("convlog: sink write failed", "seq", e.Seq, "err", err)
			}
			cancel()
		}
	}
}
