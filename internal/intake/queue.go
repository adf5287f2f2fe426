// Package intake implements C2, the bounded producer-facing intake
// queue (spec §4.2). It generalizes a non-blocking buffered-channel
// pub-sub pattern for domain events into a blocking-with-timeout,
// all-or-nothing admission queue: a
// single full tuple never gets split across two enqueuer polls, and a
// producer that outruns the enqueuer is the producer's problem to
// slow down, not the queue's problem to drop data.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/mycelian/docdispatch/internal/model"
)

// ErrQueueClosed is returned by Offer/OfferBatch once Close has fired.
var ErrQueueClosed = errors.New("intake: queue closed")

// ErrOfferTimeout is returned when a producer's deadline elapses
// before the queue can admit the tuple (spec §4.2 backpressure).
var ErrOfferTimeout = errors.New("intake: offer timed out")

// item wraps a tuple alongside the COMPLETED sentinel (spec §4.2):
// a zero-value tuple with done=true marks end-of-stream for the enqueuer.
type item struct {
	tuple model.FetchEmitTuple
	done  bool
}

// Queue is the bounded FIFO between producers and the enqueuer (C3).
type Queue struct {
	ch     chan item
	closed chan struct{}
}

// New returns a Queue with the given capacity (spec §4.2, config QueueSize).
func New(capacity int) *Queue {
	return &Queue{
		ch:     make(chan item, capacity),
		closed: make(chan struct{}),
	}
}

// Offer admits a single tuple, blocking until there is room, ctx is
// canceled, or timeout elapses (timeout <= 0 means no deadline beyond ctx).
func (q *Queue) Offer(ctx context.Context, tuple model.FetchEmitTuple, timeout time.Duration) error {
	return q.offer(ctx, item{tuple: tuple}, timeout)
}

// OfferBatch admits a slice of tuples as a single all-or-nothing unit
// within the deadline: either every tuple is queued, or none are
// (spec §4.2 — producers must be able to reason about partial failure
// without inspecting per-tuple state).
func (q *Queue) OfferBatch(ctx context.Context, tuples []model.FetchEmitTuple, timeout time.Duration) error {
	if len(tuples) == 0 {
		return nil
	}

	deadlineCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Reserve capacity up front so the batch is genuinely atomic: if
	// the channel can't accept len(tuples) without blocking past the
	// deadline, nothing is admitted.
	reserved := make([]item, 0, len(tuples))
	for _, t := range tuples {
		select {
		case <-q.closed:
			return ErrQueueClosed
		default:
		}
		select {
		case q.ch <- item{tuple: t}:
			reserved = append(reserved, item{tuple: t})
		case <-deadlineCtx.Done():
			q.rollback(reserved)
			if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
				return ErrOfferTimeout
			}
			return deadlineCtx.Err()
		case <-q.closed:
			q.rollback(reserved)
			return ErrQueueClosed
		}
	}
	return nil
}

// rollback drains previously-admitted items back out on partial-batch
// failure. Best-effort: nothing else should be reading mid-offer.
func (q *Queue) rollback(reserved []item) {
	for range reserved {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

func (q *Queue) offer(ctx context.Context, it item, timeout time.Duration) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	deadlineCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- it:
		return nil
	case <-deadlineCtx.Done():
		if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
			return ErrOfferTimeout
		}
		return deadlineCtx.Err()
	case <-q.closed:
		return ErrQueueClosed
	}
}

// Take blocks until a tuple is available, the queue is closed with no
// remaining items, or ctx is canceled. ok is false once the stream is
// drained and closed (spec §4.2 COMPLETED handling).
func (q *Queue) Take(ctx context.Context) (tuple model.FetchEmitTuple, ok bool, err error) {
	// Drain any buffered item before honoring closure, so a Close
	// racing a full buffer never drops real work.
	select {
	case it := <-q.ch:
		if it.done {
			return model.FetchEmitTuple{}, false, nil
		}
		return it.tuple, true, nil
	default:
	}

	select {
	case it := <-q.ch:
		if it.done {
			return model.FetchEmitTuple{}, false, nil
		}
		return it.tuple, true, nil
	case <-q.closed:
		return model.FetchEmitTuple{}, false, nil
	case <-ctx.Done():
		return model.FetchEmitTuple{}, false, ctx.Err()
	}
}

// Close marks the queue COMPLETED: no further Offer/OfferBatch calls
// succeed, and a COMPLETED sentinel is pushed so Take eventually
// reports ok=false once prior items drain (spec §4.2).
//
// q.ch itself is never closed — only q.closed is — so a producer
// racing a concurrent Close can never panic on a send to a closed
// channel; worst case its item is queued just before closure takes
// effect, or it observes q.closed and backs off cleanly.
func (q *Queue) Close() {
	select {
	case <-q.closed:
		return // already closed
	default:
		close(q.closed)
	}
	select {
	case q.ch <- item{done: true}:
	default:
		// Buffer full; Take drains the backlog and will see q.closed
		// once it empties, without needing the sentinel item.
	}
}
