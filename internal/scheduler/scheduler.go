package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Cypherspark/broadcast-engine/internal/metrics"
)

// Firer starts runs for scheduled messages that are due and cleans up
// cancels left unfinished by a dead dispatcher.
type Firer interface {
	FireDue(ctx context.Context) (int, error)
	ReapCancelled(ctx context.Context) (int, error)
}

// Scheduler polls for due messages on a cron spec ("@every 5s" by default).
// Ticks never overlap.
type Scheduler struct {
	firer   Firer
	spec    string
	timeout time.Duration
	log     *zap.SugaredLogger

	mu      sync.Mutex
	c       *cron.Cron
	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(f Firer, spec string, log *zap.SugaredLogger) *Scheduler {
	if spec == "" {
		spec = "@every 5s"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{firer: f, spec: spec, timeout: 30 * time.Second, log: log}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(s.spec, func() { s.Tick(s.ctx) }); err != nil {
		s.cancel()
		return err
	}
	s.c = c
	c.Start()
	s.log.Infow("scheduler_started", "spec", s.spec)
	return nil
}

// Tick fires every due message once and reaps orphaned cancels. A tick that finds the previous one
// still running is dropped.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.running.TryLock() {
		return 0
	}
	defer s.running.Unlock()

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.firer.FireDue(tctx)
	if n > 0 {
		metrics.ScheduleFired.Add(float64(n))
		s.log.Infow("schedule_fired", "count", n)
	}
	if err != nil {
		s.log.Errorw("schedule_tick_error", "error", err)
	}
	reaped, err := s.firer.ReapCancelled(tctx)
	if reaped > 0 {
		metrics.Deliveries.WithLabelValues("skipped").Add(float64(reaped))
	}
	if err != nil {
		s.log.Errorw("reap_cancelled_error", "error", err)
	}
	return n
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.cancel()
	s.c = nil
	s.log.Infow("scheduler_stopped")
}
