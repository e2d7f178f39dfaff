package channel

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Dummy simulates a chat network with latency and occasional failures.
type Dummy struct {
	Latency  time.Duration
	FailRate float64 // 0..1
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailRate: 0.03} }

func (d *Dummy) Send(ctx context.Context, recipientID, content string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	if rand.Float64() < d.FailRate {
		return errors.New("channel_temporary_error")
	}
	return nil
}
