// Package backlog implements the ordered queue holding chunks that
// have been read from the source connection and await delivery to the
// sink connection.
package backlog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Entry is a buffered chunk of bytes plus its scheduled release time.
// An [Entry] is created when the chunk is read from the source, is
// immutable afterwards, and is consumed exactly once by the sender.
type Entry struct {
	// Payload is the chunk of bytes to deliver.
	Payload []byte

	// ReleaseAt is the earliest time at which the chunk may be
	// delivered, i.e., the enqueue time plus the sampled delay.
	ReleaseAt time.Time
}

// DefaultCapacity is the queue capacity used by [New] when the caller
// passes a non-positive capacity. Only a stalled sink should ever fill
// the queue; when that happens [Queue.Put] blocks rather than dropping
// chunks, which backpressures the reader.
const DefaultCapacity = 1024

// ErrClosed indicates that the queue has been closed and, for
// [Queue.Get], that all buffered entries have already been returned.
var ErrClosed = errors.New("backlog: queue closed")

// Queue is a bounded, strictly-FIFO, internally-synchronized sequence
// of [Entry]. Entries are dequeued in exactly the order they were
// enqueued, regardless of their individual release times: a chunk with
// a short sampled delay still waits behind an earlier chunk with a
// longer one. This matches TCP semantics, where bytes must be
// delivered in the order received, at the price of sometimes inflating
// the injected delay beyond the sampled value.
//
// The zero value is invalid; use [New] to construct.
type Queue struct {
	// ch transports entries from the single producer to the
	// single consumer in FIFO order.
	ch chan *Entry

	// done is closed by Close to unblock producer and consumer.
	done chan struct{}

	// mu serializes the closed check in Put with Close.
	mu sync.Mutex

	// once ensures Close is idempotent.
	once sync.Once

	// pending counts entries that have been enqueued but for
	// which the consumer has not called TaskDone yet.
	pending sync.WaitGroup
}

// New creates a [Queue] with the given capacity. A non-positive
// capacity selects [DefaultCapacity].
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:      make(chan *Entry, capacity),
		done:    make(chan struct{}),
		mu:      sync.Mutex{},
		once:    sync.Once{},
		pending: sync.WaitGroup{},
	}
}

// Put appends entry to the tail of the queue. It blocks while the
// queue is full and fails only when the queue has been closed or the
// given context is canceled. Entries are never silently dropped.
func (q *Queue) Put(ctx context.Context, entry *Entry) error {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return ErrClosed
	default:
	}
	q.pending.Add(1)
	q.mu.Unlock()
	select {
	case q.ch <- entry:
		return nil
	case <-q.done:
		q.pending.Done()
		return ErrClosed
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// Get blocks until an entry is available, then removes and returns the
// head of the queue. After [Queue.Close], Get keeps returning buffered
// entries until none remain and then fails with [ErrClosed], which is
// the signal for the sender to terminate. Get also fails when the
// given context is canceled.
//
// The caller owns the returned entry and must call [Queue.TaskDone]
// once it has finished handling it.
func (q *Queue) Get(ctx context.Context) (*Entry, error) {
	select {
	case entry := <-q.ch:
		return entry, nil
	default:
	}
	select {
	case entry := <-q.ch:
		return entry, nil
	case <-q.done:
		// drain whatever was buffered before the close
		select {
		case entry := <-q.ch:
			return entry, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TaskDone records that an entry previously returned by [Queue.Get]
// or [Queue.Drain] has been fully handled.
func (q *Queue) TaskDone() {
	q.pending.Done()
}

// Close marks the queue as closed. Further Puts fail with [ErrClosed]
// while Gets continue draining buffered entries. Close is idempotent
// and safe to call from any goroutine.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		close(q.done)
		q.mu.Unlock()
	})
}

// Drain removes all currently-buffered entries, marks each of them as
// done, and returns how many it discarded. It is used during teardown
// to account for entries the sender will never deliver, so that
// [Queue.Join] cannot block forever.
func (q *Queue) Drain() int {
	var count int
	for {
		select {
		case <-q.ch:
			q.pending.Done()
			count++
		default:
			return count
		}
	}
}

// Join blocks until every entry ever enqueued has been marked as done
// via [Queue.TaskDone] or [Queue.Drain]. The reader calls Join after
// closing the queue to confirm that all in-flight chunks have been
// handed off before it unregisters.
func (q *Queue) Join() {
	q.pending.Wait()
}

// Len returns the number of currently-buffered entries.
func (q *Queue) Len() int {
	return len(q.ch)
}
