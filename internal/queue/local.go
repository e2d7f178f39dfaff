package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Local is an in-process queue for single-binary deployments and tests.
// Nacked jobs with requeue go back to the tail.
type Local struct {
	mu     sync.Mutex
	ch     chan core.DispatchJob
	closed bool
}

func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Local{ch: make(chan core.DispatchJob, buffer)}
}

var _ Queue = (*Local)(nil)

// Publish never blocks; a full buffer is reported as ErrFull.
func (q *Local) Publish(ctx context.Context, job core.DispatchJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrFull
	}
}

func (q *Local) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-q.ch:
				if !ok {
					return
				}
				d := Delivery{
					Job: job,
					Ack: func() error { return nil },
					Nack: func(requeue bool) error {
						if !requeue {
							return nil
						}
						return q.Publish(context.Background(), job)
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// not handed out: keep it for the next consumer
					_ = q.Publish(context.Background(), job)
					return
				}
			}
		}
	}()
	return out, nil
}

// Len reports the number of queued jobs.
func (q *Local) Len() int { return len(q.ch) }

func (q *Local) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
