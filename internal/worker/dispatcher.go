package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/broadcast-engine/internal/channel"
	"github.com/Cypherspark/broadcast-engine/internal/core"
	"github.com/Cypherspark/broadcast-engine/internal/metrics"
)

type Options struct {
	Concurrency   int           // parallel sends per run
	RatePerSecond float64       // sustained channel rate (all runs in this process)
	Burst         int           // burst to allow short spikes
	SendTimeout   time.Duration // per-send timeout
	MaxAttempts   int           // attempts per record per run before it is left failed
	Backoff       Backoff       // delay between automatic attempts
	PageSize      int           // ledger page size
	LeaseTTL      time.Duration // run-ownership lease
	Heartbeat     time.Duration // lease renewal / stop-flag poll interval
	WriteTimeout  time.Duration // ledger write after a send
}

func DefaultOptions() Options {
	return Options{
		Concurrency:   10,
		RatePerSecond: 30,
		Burst:         30,
		SendTimeout:   5 * time.Second,
		MaxAttempts:   3,
		Backoff:       DefaultBackoff(),
		PageSize:      200,
		LeaseTTL:      core.DefaultLeaseTTL,
		Heartbeat:     time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = def.RatePerSecond
	}
	if o.Burst <= 0 {
		o.Burst = max(1, int(o.RatePerSecond))
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = def.SendTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = def.Backoff
	}
	if o.PageSize <= 0 {
		o.PageSize = def.PageSize
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = def.LeaseTTL
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = minDur(def.Heartbeat, o.LeaseTTL/3)
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	return o
}

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeUndrained   Outcome = "undrained"   // finished with records still pending
	OutcomeStopped     Outcome = "stopped"     // token lost: cancelled or taken over
	OutcomeInterrupted Outcome = "interrupted" // process shutdown
	OutcomeAborted     Outcome = "aborted"     // storage failure
	OutcomeStale       Outcome = "stale"       // job no longer owns the message
)

type Result struct {
	MessageID string
	Outcome   Outcome
	Status    core.MessageStatus
	Sent      int
	Failed    int
	Attempts  int
}

// Dispatcher drains the pending ledger entries of one message per run.
type Dispatcher struct {
	store   core.Store
	channel channel.Channel
	limiter *rate.Limiter
	opt     Options
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewDispatcher(store core.Store, ch channel.Channel, opt Options, log *zap.SugaredLogger) *Dispatcher {
	opt = opt.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		store:   store,
		channel: ch,
		// Rate limiter for the channel (global for this worker process).
		limiter: rate.NewLimiter(rate.Limit(opt.RatePerSecond), opt.Burst),
		opt:     opt,
		log:     log,
		now:     time.Now,
	}
}

type run struct {
	d       *Dispatcher
	job     core.DispatchJob
	content string
	log     *zap.SugaredLogger

	stopOnce sync.Once
	stopCh   chan struct{}

	abortOnce sync.Once
	abortErr  error

	sent, failed, attempts atomic.Int64
}

func (r *run) stop() { r.stopOnce.Do(func() { close(r.stopCh) }) }

func (r *run) abort(err error) {
	r.abortOnce.Do(func() {
		r.abortErr = core.WrapStorage("dispatch", err)
		r.log.Errorw("run_aborted", "error", err)
	})
	r.stop()
}

func (r *run) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Run executes one dispatcher run for job. It returns when every pending
// record has been attempted, the run lost ownership, ctx ended, or storage failed.
func (d *Dispatcher) Run(ctx context.Context, job core.DispatchJob) (Result, error) {
	res := Result{MessageID: job.MessageID}
	log := d.log.With("message_id", job.MessageID, "run_token", job.RunToken)

	m, err := d.store.GetMessage(ctx, job.MessageID)
	if errors.Is(err, core.ErrNotFound) {
		res.Outcome = OutcomeStale
		return d.finish(log, res), nil
	}
	if err != nil {
		res.Outcome = OutcomeAborted
		return d.finish(log, res), core.WrapStorage("get_message", err)
	}
	res.Status = m.Status
	if m.Status != core.StatusSending || m.RunToken != job.RunToken {
		res.Outcome = OutcomeStale
		return d.finish(log, res), nil
	}

	// Take the lease before touching the ledger; a redelivered job resumes here.
	owned, err := d.store.RenewRun(ctx, job.MessageID, job.RunToken, d.now().Add(d.opt.LeaseTTL))
	if err != nil {
		res.Outcome = OutcomeAborted
		return d.finish(log, res), core.WrapStorage("renew_run", err)
	}
	if !owned {
		res.Outcome = OutcomeStale
		return d.finish(log, res), nil
	}
	// Only one run owns a message, so any claim left now is from a dead run.
	if _, err := d.store.ReleaseClaims(ctx, job.MessageID); err != nil {
		res.Outcome = OutcomeAborted
		return d.finish(log, res), core.WrapStorage("release_claims", err)
	}

	r := &run{d: d, job: job, content: m.Body, log: log, stopCh: make(chan struct{})}
	log.Infow("run_started")

	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(hbCtx)
	}()

	r.dispatch(ctx)

	hbCancel()
	<-hbDone

	res.Sent = int(r.sent.Load())
	res.Failed = int(r.failed.Load())
	res.Attempts = int(r.attempts.Load())

	switch {
	case r.abortErr != nil:
		// Keep the token: a redelivered job continues, otherwise the lease
		// expires and resume becomes possible.
		res.Outcome = OutcomeAborted
		return d.finish(log, res), r.abortErr
	case ctx.Err() != nil:
		res.Outcome = OutcomeInterrupted
		return d.finish(log, res), ctx.Err()
	case r.stopped():
		res.Outcome = OutcomeStopped
		status, err := d.sweepAfterStop(job.MessageID)
		res.Status = status
		return d.finish(log, res), err
	}

	wctx, cancel := d.writeCtx(ctx)
	defer cancel()
	final, owned, err := d.store.FinishRun(wctx, job.MessageID, job.RunToken, d.now().UTC())
	if err != nil {
		res.Outcome = OutcomeAborted
		return d.finish(log, res), core.WrapStorage("finish_run", err)
	}
	res.Status = final.Status
	switch {
	case !owned:
		res.Outcome = OutcomeStopped
		if final.Status == core.StatusCancelled {
			status, err := d.sweepAfterStop(job.MessageID)
			res.Status = status
			return d.finish(log, res), err
		}
	case final.Status == core.StatusCompleted:
		res.Outcome = OutcomeCompleted
	case final.Status == core.StatusFailed:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomeUndrained
	}
	return d.finish(log, res), nil
}

func (d *Dispatcher) finish(log *zap.SugaredLogger, res Result) Result {
	metrics.Runs.WithLabelValues(string(res.Outcome)).Inc()
	log.Infow("run_finished",
		"outcome", res.Outcome,
		"status", res.Status,
		"sent", res.Sent,
		"failed", res.Failed,
		"attempts", res.Attempts,
	)
	return res
}

// sweepAfterStop skips whatever a cancel could not skip while sends were
// still in flight. All in-flight sends of this run have completed here.
func (d *Dispatcher) sweepAfterStop(messageID string) (core.MessageStatus, error) {
	ctx, cancel := d.writeCtx(context.Background())
	defer cancel()
	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", core.WrapStorage("get_message", err)
	}
	if m.Status != core.StatusCancelled {
		return m.Status, nil
	}
	n, err := d.store.SkipPending(ctx, messageID, true)
	if err != nil {
		return m.Status, core.WrapStorage("skip_pending", err)
	}
	if n > 0 {
		metrics.Deliveries.WithLabelValues("skipped").Add(float64(n))
	}
	return m.Status, nil
}

// writeCtx detaches ledger writes from cancellation so a completed send is
// always recorded.
func (d *Dispatcher) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.opt.WriteTimeout)
}

func (r *run) heartbeat(ctx context.Context) {
	t := time.NewTicker(r.d.opt.Heartbeat)
	defer t.Stop()
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := r.d.store.RenewRun(ctx, r.job.MessageID, r.job.RunToken, r.d.now().Add(r.d.opt.LeaseTTL))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fails++
			r.log.Warnw("lease_renew_error", "error", err, "fails", fails)
			if fails >= 3 {
				r.abort(err)
				return
			}
			continue
		}
		fails = 0
		if !ok {
			r.log.Infow("run_ownership_lost")
			r.stop()
			return
		}
	}
}

func (r *run) dispatch(ctx context.Context) {
	recs := make(chan core.DeliveryRecord)
	var wg sync.WaitGroup
	wg.Add(r.d.opt.Concurrency)
	for i := 0; i < r.d.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for rec := range recs {
				if r.stopped() || ctx.Err() != nil {
					continue
				}
				r.deliver(ctx, rec)
			}
		}()
	}

	it := r.d.store.ListByStatus(ctx, r.job.MessageID, core.DeliveryPending, r.d.opt.PageSize)
feed:
	for it.Next(ctx) {
		if r.stopped() {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case <-r.stopCh:
			break feed
		case recs <- it.Record():
		}
	}
	if err := it.Err(); err != nil && ctx.Err() == nil {
		r.abort(err)
	}
	close(recs)
	wg.Wait()
}

// deliver attempts one recipient until it is sent, permanently failed, or
// the run stops. Each attempt claims the record first so a concurrent cancel
// can skip it.
func (r *run) deliver(ctx context.Context, rec core.DeliveryRecord) {
	d := r.d
	msgID, rid := r.job.MessageID, rec.RecipientID
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if r.stopped() {
			return
		}
		claimed, err := d.store.Claim(ctx, msgID, rid, r.job.RunToken, d.now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				r.abort(err)
			}
			return
		}
		if !claimed {
			return
		}

		sendErr := r.send(ctx, rid)
		if sendErr != nil && ctx.Err() != nil {
			// shutdown, not a channel failure: the claim is released by the next run
			return
		}
		r.attempts.Add(1)

		wctx, cancel := d.writeCtx(ctx)
		if sendErr == nil {
			_, err := d.store.MarkSent(wctx, msgID, rid, d.now().UTC())
			cancel()
			if err != nil {
				r.abort(err)
				return
			}
			r.sent.Add(1)
			metrics.Deliveries.WithLabelValues("sent").Inc()
			return
		}

		final := attempt >= d.opt.MaxAttempts || sendErr.Permanent
		out, err := d.store.MarkFailed(wctx, msgID, rid, sendErr.Error(), final, d.now().UTC())
		cancel()
		if err != nil {
			r.abort(err)
			return
		}
		if final {
			if out.Status == core.DeliveryFailed {
				r.failed.Add(1)
				metrics.Deliveries.WithLabelValues("failed").Inc()
			}
			r.log.Warnw("delivery_failed",
				"recipient_id", rid,
				"attempt_count", out.AttemptCount,
				"permanent", sendErr.Permanent,
				"timeout", sendErr.Timeout,
				"error", sendErr.Err,
			)
			return
		}
		metrics.Deliveries.WithLabelValues("retry").Inc()
		r.log.Debugw("delivery_retry", "recipient_id", rid, "attempt", attempt, "error", sendErr.Err)

		if !r.sleep(ctx, d.opt.Backoff.Delay(attempt)) {
			return
		}
	}
}

func (r *run) send(ctx context.Context, rid string) *core.ChannelError {
	sctx, cancel := context.WithTimeout(ctx, r.d.opt.SendTimeout)
	defer cancel()

	metrics.InFlight.Inc()
	start := time.Now()
	err := r.d.channel.Send(sctx, rid, r.content)
	metrics.ChannelSendDuration.Observe(time.Since(start).Seconds())
	metrics.InFlight.Dec()

	if err == nil {
		return nil
	}
	return channel.Classify(sctx, rid, err)
}

// sleep waits d. It reports false if the run stopped or ctx ended first.
func (r *run) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.stopCh:
		return false
	case <-t.C:
		return true
	}
}
