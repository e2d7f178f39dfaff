package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

func TestLocal_PublishReportsFullBuffer(t *testing.T) {
	q := NewLocal(1)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, core.DispatchJob{MessageID: "a", RunToken: "t1"}))
	require.ErrorIs(t, q.Publish(ctx, core.DispatchJob{MessageID: "b", RunToken: "t2"}), ErrFull)
	require.Equal(t, 1, q.Len())

	// Close does not wait behind a publisher
	done := make(chan struct{})
	go func() {
		_ = q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a full queue")
	}
	require.ErrorIs(t, q.Publish(ctx, core.DispatchJob{MessageID: "c"}), ErrClosed)
}

func TestLocal_NackRequeues(t *testing.T) {
	q := NewLocal(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer q.Close()

	job := core.DispatchJob{MessageID: "m", RunToken: "t"}
	require.NoError(t, q.Publish(ctx, job))
	out, err := q.Consume(ctx)
	require.NoError(t, err)

	d := <-out
	require.Equal(t, job, d.Job)
	require.NoError(t, d.Nack(true))

	d = <-out
	require.Equal(t, job, d.Job)
	require.NoError(t, d.Ack())
}

func TestLocal_PublishHonoursCancelledContext(t *testing.T) {
	q := NewLocal(1)
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, q.Publish(ctx, core.DispatchJob{MessageID: "m"}), context.Canceled)
	require.Zero(t, q.Len())
}
