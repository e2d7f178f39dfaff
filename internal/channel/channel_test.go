package channel_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/broadcast-engine/internal/channel"
	"github.com/Cypherspark/broadcast-engine/internal/core"
)

func TestClassify_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	ce := channel.Classify(ctx, "7", ctx.Err())
	require.True(t, ce.Timeout)
	require.False(t, ce.Permanent)
	require.ErrorIs(t, ce, core.ErrChannelTimeout)
	require.ErrorIs(t, ce, core.ErrChannelDelivery)
}

func TestClassify_Permanent(t *testing.T) {
	err := errors.Join(channel.ErrPermanent, errors.New("blocked"))
	ce := channel.Classify(context.Background(), "7", err)
	require.True(t, ce.Permanent)
	require.False(t, ce.Timeout)
	require.NotErrorIs(t, ce, core.ErrChannelTimeout)
	require.Equal(t, "7", ce.RecipientID)
}

func TestDummy_RespectsContext(t *testing.T) {
	d := &channel.Dummy{Latency: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.Send(ctx, "1", "x"), context.Canceled)
}

func TestDummy_NoFailures(t *testing.T) {
	d := &channel.Dummy{Latency: time.Millisecond, FailRate: 0}
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Send(context.Background(), "1", "x"))
	}
}

func fakeBotAPI(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func TestTelegram_SendOK(t *testing.T) {
	var calls atomic.Int32
	srv := fakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"hello"}}`))
	})

	tg, err := channel.NewTelegram(channel.TelegramConfig{Token: "test-token", APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), "42", "hello"))
	require.Equal(t, int32(1), calls.Load())
}

func TestTelegram_BlockedIsPermanent(t *testing.T) {
	srv := fakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	})

	tg, err := channel.NewTelegram(channel.TelegramConfig{Token: "test-token", APIURL: srv.URL})
	require.NoError(t, err)
	err = tg.Send(context.Background(), "42", "hello")
	require.ErrorIs(t, err, channel.ErrPermanent)
}

func TestTelegram_BadRecipient(t *testing.T) {
	tg, err := channel.NewTelegram(channel.TelegramConfig{Token: "test-token", APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.ErrorIs(t, tg.Send(context.Background(), "not-a-chat", "x"), channel.ErrPermanent)
}

func TestNewTelegram_EmptyToken(t *testing.T) {
	_, err := channel.NewTelegram(channel.TelegramConfig{})
	require.Error(t, err)
}
