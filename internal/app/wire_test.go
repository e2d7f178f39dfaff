package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/broadcast-engine/internal/channel"
	"github.com/Cypherspark/broadcast-engine/internal/config"
	"github.com/Cypherspark/broadcast-engine/internal/db"
	"github.com/Cypherspark/broadcast-engine/internal/queue"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreDriver:         "memory",
		QueueDriver:         "local",
		ChannelDriver:       "dummy",
		DispatchConcurrency: 7,
		DispatchRate:        12.5,
		DispatchBurst:       3,
		SendTimeout:         2 * time.Second,
		MaxAttempts:         4,
		BackoffBase:         100 * time.Millisecond,
		BackoffMultiplier:   3,
		BackoffMax:          time.Second,
		PageSize:            50,
		LeaseTTL:            9 * time.Second,
		WorkerMaxRuns:       2,
	}
}

func TestOpenMemoryDrivers(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()

	st, err := OpenStorage(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()
	require.Nil(t, st.Pool)
	require.IsType(t, &db.Memory{}, st.Store)
	require.NoError(t, st.Store.Ping(ctx))

	q, err := OpenQueue(cfg, 0, nil)
	require.NoError(t, err)
	require.IsType(t, &queue.Local{}, q)
	require.NoError(t, q.Close())

	ch, err := NewChannel(cfg)
	require.NoError(t, err)
	require.IsType(t, &channel.Dummy{}, ch)

	c, closeFn, err := OpenStatsCache(ctx, cfg)
	require.NoError(t, err)
	require.Nil(t, c)
	closeFn()
}

func TestNewChannel_TelegramNeedsToken(t *testing.T) {
	cfg := memoryConfig()
	cfg.ChannelDriver = "telegram"
	_, err := NewChannel(cfg)
	require.Error(t, err)
}

func TestDispatcherOptionsFromConfig(t *testing.T) {
	o := DispatcherOptions(memoryConfig())
	require.Equal(t, 7, o.Concurrency)
	require.Equal(t, 12.5, o.RatePerSecond)
	require.Equal(t, 3, o.Burst)
	require.Equal(t, 4, o.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, o.Backoff.Base)
	require.Equal(t, 3.0, o.Backoff.Multiplier)
	require.Equal(t, time.Second, o.Backoff.Max)
	require.Equal(t, 50, o.PageSize)
	require.Equal(t, 9*time.Second, o.LeaseTTL)
	require.Equal(t, 2, WorkerOptions(memoryConfig()).MaxRuns)
}
