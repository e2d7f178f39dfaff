package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/broadcast-engine/internal/app"
	"github.com/Cypherspark/broadcast-engine/internal/config"
	"github.com/Cypherspark/broadcast-engine/internal/core"
	httpapi "github.com/Cypherspark/broadcast-engine/internal/http"
	"github.com/Cypherspark/broadcast-engine/internal/logx"
	"github.com/Cypherspark/broadcast-engine/internal/metrics"
	"github.com/Cypherspark/broadcast-engine/internal/queue"
	"github.com/Cypherspark/broadcast-engine/internal/scheduler"
	"github.com/Cypherspark/broadcast-engine/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		logx.L().Errorw("config", "error", err)
		exitCode = 1
		return
	}
	log := logx.Init(cfg.LogLevel)
	defer logx.Sync()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Errorw("api_exited", "error", err)
		exitCode = 1
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	// ---- Storage ----
	st, err := app.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if st.Pool != nil {
		go metrics.NewPGXPoolStats(st.Pool).Start(15*time.Second, ctx.Done())
	}

	// ---- Queue ----
	q, err := app.OpenQueue(cfg, 0, log)
	if err != nil {
		return err
	}
	defer q.Close()

	statsCache, closeCache, err := app.OpenStatsCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	svc := core.NewService(st.Store, st.Directory, q, statsCache, log, core.ServiceOptions{LeaseTTL: cfg.LeaseTTL})

	// ---- Scheduler ----
	sched := scheduler.New(svc, cfg.ScheduleInterval, log)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// ---- Embedded worker ----
	workerDone := make(chan error, 1)
	if local, ok := q.(*queue.Local); ok {
		if err := startEmbeddedWorker(ctx, cfg, st.Store, local, workerDone, log); err != nil {
			return err
		}
	} else {
		close(workerDone)
	}

	// ---- HTTP server ----
	srv := httpapi.NewServer(svc, log)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infow("http_listening", "addr", server.Addr, "queue", cfg.QueueDriver, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	// ---- Graceful shutdown ----
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startEmbeddedWorker runs the dispatcher in-process so QUEUE_DRIVER=local
// needs no separate worker binary.
func startEmbeddedWorker(ctx context.Context, cfg config.Config, store core.Store, q *queue.Local, done chan<- error, log *zap.SugaredLogger) error {
	ch, err := app.NewChannel(cfg)
	if err != nil {
		return err
	}
	d := worker.NewDispatcher(store, ch, app.DispatcherOptions(cfg), log)
	go func() {
		done <- worker.RunWorker(ctx, q, d, app.WorkerOptions(cfg), log)
	}()
	return nil
}
