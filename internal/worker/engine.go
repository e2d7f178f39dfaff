package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/broadcast-engine/internal/core"
	"github.com/Cypherspark/broadcast-engine/internal/metrics"
	"github.com/Cypherspark/broadcast-engine/internal/queue"
)

type WorkerOptions struct {
	MaxRuns           int // dispatcher runs executed in parallel
	RequeueBackoffMin time.Duration
	RequeueBackoffMax time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.MaxRuns <= 0 {
		o.MaxRuns = 4
	}
	if o.RequeueBackoffMin <= 0 {
		o.RequeueBackoffMin = 500 * time.Millisecond
	}
	if o.RequeueBackoffMax <= 0 {
		o.RequeueBackoffMax = 30 * time.Second
	}
	return o
}

// Runner executes one dispatch job.
type Runner interface {
	Run(ctx context.Context, job core.DispatchJob) (Result, error)
}

// RunWorker consumes dispatch jobs and runs them, at most MaxRuns at a time.
// Jobs that hit a storage failure are requeued after a backoff so the same
// run token resumes later. It returns when ctx ends or the consumer closes.
func RunWorker(ctx context.Context, cons queue.Consumer, r Runner, opt WorkerOptions, log *zap.SugaredLogger) error {
	opt = opt.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	deliveries, err := cons.Consume(ctx)
	if err != nil {
		return err
	}
	log.Infow("worker_started", "max_runs", opt.MaxRuns)

	sem := make(chan struct{}, opt.MaxRuns)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		// Consecutive storage failures drive the requeue delay.
		dbBackoff = opt.RequeueBackoffMin
	)

	backoff := func(ok bool) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			dbBackoff = opt.RequeueBackoffMin // reset on success
			return 0
		}
		sleep := jitter(dbBackoff, 0.20)
		dbBackoff = minDur(opt.RequeueBackoffMax, time.Duration(float64(dbBackoff)*1.6))
		return sleep
	}

	defer func() {
		wg.Wait()
		log.Infow("worker_stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(true)
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				handle(ctx, d, r, backoff, log)
			}()
		}
	}
}

func handle(ctx context.Context, d queue.Delivery, r Runner, backoff func(ok bool) time.Duration, log *zap.SugaredLogger) {
	res, err := r.Run(ctx, d.Job)
	switch {
	case err == nil:
		backoff(true)
		metrics.QueueJobs.WithLabelValues("ack").Inc()
		if aerr := d.Ack(); aerr != nil {
			log.Warnw("job_ack_error", "message_id", d.Job.MessageID, "error", aerr)
		}
		return

	case errors.Is(err, core.ErrStorage):
		sleep := backoff(false)
		log.Warnw("job_requeue",
			"message_id", d.Job.MessageID,
			"outcome", res.Outcome,
			"error", err,
			"backoff", sleep.String(),
		)
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()

	default:
		// Interrupted by shutdown; the lease expires or the next worker takes it.
		log.Infow("job_interrupted", "message_id", d.Job.MessageID, "outcome", res.Outcome, "error", err)
	}

	metrics.QueueJobs.WithLabelValues("requeue").Inc()
	if nerr := d.Nack(true); nerr != nil {
		log.Warnw("job_nack_error", "message_id", d.Job.MessageID, "error", nerr)
	}
}
