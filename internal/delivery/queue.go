// Package delivery writes events to the document store one at a time, in
// the order they were enqueued.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ComUnity/web3analytics/internal/session"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

type Kind string

const (
	KindPage     Kind = "page"
	KindTrack    Kind = "track"
	KindIdentify Kind = "identify"
)

// Unit is one queued event.
type Unit struct {
	Kind    Kind
	Payload map[string]any
	Raw     []byte // caller's JSON, kept verbatim when present
	Session *session.State

	barrier chan struct{}
}

// Deliverer performs one unit. IndexDeliverer is the production
// implementation.
type Deliverer interface {
	Deliver(ctx context.Context, u Unit) error
}

var ErrQueueClosed = errors.New("delivery: queue closed")

// Queue is a single-worker FIFO. Enqueue never blocks; unit n+1 starts only
// after unit n has settled, whatever its outcome.
type Queue struct {
	deliverer Deliverer

	mu      sync.Mutex
	pending []Unit
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func NewQueue(d Deliverer) *Queue {
	q := &Queue{
		deliverer: d,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends u. It reports ErrQueueClosed after Close.
func (q *Queue) Enqueue(u Unit) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, u)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len is the number of units waiting, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush waits until every unit enqueued before the call has settled.
func (q *Queue) Flush(ctx context.Context) error {
	b := make(chan struct{})
	if err := q.Enqueue(Unit{barrier: b}); err != nil {
		return err
	}
	select {
	case <-b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting units and waits for the queued ones to settle.
// If ctx ends first the worker keeps draining in the background.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery: close: %w (%d units pending)", ctx.Err(), q.Len())
	}
}

func (q *Queue) next() (Unit, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Unit{}, false, q.closed
	}
	u := q.pending[0]
	q.pending[0] = Unit{}
	q.pending = q.pending[1:]
	return u, true, false
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		u, ok, closed := q.next()
		if closed {
			return
		}
		if !ok {
			<-q.notify
			continue
		}
		if u.barrier != nil {
			close(u.barrier)
			continue
		}
		q.settle(u)
	}
}

// settle runs one unit to completion. Units are not cancellable once
// started.
func (q *Queue) settle(u Unit) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%v", &DeliveryError{Kind: u.Kind, Stage: "panic", Err: fmt.Errorf("%v", r)})
		}
	}()
	if err := q.deliverer.Deliver(context.Background(), u); err != nil {
		logger.Errorf("Event delivery failed: %v", err)
	}
}
