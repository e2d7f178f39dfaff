package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DISPATCH_CONCURRENCY", "")
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres", c.StoreDriver)
	require.Equal(t, 10, c.DispatchConcurrency)
	require.Equal(t, 3, c.MaxAttempts)
	require.Equal(t, 5*time.Second, c.SendTimeout)
	require.Equal(t, 30*time.Second, c.LeaseTTL)
	require.Equal(t, "@every 5s", c.ScheduleInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISPATCH_SEND_TIMEOUT_MS", "250")
	t.Setenv("DISPATCH_RATE_PER_SEC", "12.5")
	t.Setenv("DISPATCH_BURST", "not-a-number")
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "memory", c.StoreDriver)
	require.Equal(t, 250*time.Millisecond, c.SendTimeout)
	require.Equal(t, 12.5, c.DispatchRate)
	require.Equal(t, 30, c.DispatchBurst)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CHANNEL_DRIVER", "telegram")
	t.Setenv("TELEGRAM_TOKEN", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("CHANNEL_DRIVER", "pigeon")
	_, err = Load()
	require.ErrorContains(t, err, "CHANNEL_DRIVER")

	t.Setenv("CHANNEL_DRIVER", "dummy")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("QUEUE_DRIVER", "rabbitmq")
	_, err = Load()
	require.Error(t, err)
}
