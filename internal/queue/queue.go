package queue

import (
	"context"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

// Delivery is one dispatch job handed to a worker. Exactly one of Ack or
// Nack must be called.
type Delivery struct {
	Job  core.DispatchJob
	Ack  func() error
	Nack func(requeue bool) error
}

type Consumer interface {
	// Consume streams jobs until ctx ends or the queue is closed.
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// Queue is both ends of a dispatch queue.
type Queue interface {
	core.JobQueue
	Consumer
	Close() error
}
