package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/broadcast-engine/internal/app"
	"github.com/Cypherspark/broadcast-engine/internal/config"
	"github.com/Cypherspark/broadcast-engine/internal/logx"
	"github.com/Cypherspark/broadcast-engine/internal/metrics"
	wpkg "github.com/Cypherspark/broadcast-engine/internal/worker"
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

	if cfg.QueueDriver != "rabbitmq" {
		log.Errorw("worker requires QUEUE_DRIVER=rabbitmq; the api runs an embedded worker for the local queue")
		exitCode = 1
		return
	}

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	st, err := app.OpenStorage(rootCtx, cfg)
	if err != nil {
		log.Errorw("storage", "error", err)
		exitCode = 1
		return
	}
	defer st.Close()
	if st.Pool != nil {
		go metrics.NewPGXPoolStats(st.Pool).Start(15*time.Second, rootCtx.Done())
	}

	// ---- Queue ----
	q, err := app.OpenQueue(cfg, cfg.WorkerMaxRuns, log)
	if err != nil {
		log.Errorw("queue", "error", err)
		exitCode = 1
		return
	}
	defer q.Close()

	// ---- Channel ----
	ch, err := app.NewChannel(cfg)
	if err != nil {
		log.Errorw("channel", "error", err)
		exitCode = 1
		return
	}

	// ---- Healthz ----
	go serveHealthz(cfg.HealthAddr, st.Store.Ping)

	// ---- Worker ----
	d := wpkg.NewDispatcher(st.Store, ch, app.DispatcherOptions(cfg), log)
	if err := wpkg.RunWorker(rootCtx, q, d, app.WorkerOptions(cfg), log); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("worker_exited", "error", err)
		exitCode = 1
		return
	}
}

func serveHealthz(addr string, ping func(context.Context) error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}
