package scheduler_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/broadcast-engine/internal/core"
	"github.com/Cypherspark/broadcast-engine/internal/db"
	"github.com/Cypherspark/broadcast-engine/internal/queue"
	"github.com/Cypherspark/broadcast-engine/internal/scheduler"
)

func setup(t *testing.T, users int) (*core.Service, *queue.Local) {
	t.Helper()
	dir := db.NewMemoryDirectory()
	for i := 1; i <= users; i++ {
		require.NoError(t, dir.UpsertUser(context.Background(), strconv.Itoa(i), true, []string{"beta"}))
	}
	q := queue.NewLocal(8)
	t.Cleanup(func() { _ = q.Close() })
	return core.NewService(db.NewMemory(), dir, q, nil, nil, core.ServiceOptions{}), q
}

func TestTick_FiresDueOnly(t *testing.T) {
	svc, q := setup(t, 3)
	ctx := context.Background()

	due, err := svc.CreateMessage(ctx, core.CreateMessageRequest{Title: "a", Body: "b", TargetType: core.TargetAll})
	require.NoError(t, err)
	later, err := svc.CreateMessage(ctx, core.CreateMessageRequest{Title: "a", Body: "b", TargetType: core.TargetGroup, TargetGroup: "beta"})
	require.NoError(t, err)

	_, err = svc.Schedule(ctx, due.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = svc.Schedule(ctx, later.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	s := scheduler.New(svc, "@every 1h", nil)
	require.Equal(t, 1, s.Tick(ctx))
	require.Equal(t, 1, q.Len())

	m, err := svc.GetMessage(ctx, due.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusSending, m.Status)
	m, err = svc.GetMessage(ctx, later.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusScheduled, m.Status)

	// already fired
	require.Equal(t, 0, s.Tick(ctx))
	require.Equal(t, 1, q.Len())
}

func TestTick_ReapsAbandonedCancel(t *testing.T) {
	svc, _ := setup(t, 2)
	ctx := context.Background()
	now := time.Now().UTC()
	svc.Now = func() time.Time { return now }

	m, err := svc.CreateMessage(ctx, core.CreateMessageRequest{Title: "a", Body: "b", TargetType: core.TargetAll})
	require.NoError(t, err)
	sending, err := svc.Send(ctx, m.ID)
	require.NoError(t, err)
	ok, err := svc.Store.Claim(ctx, m.ID, "2", sending.RunToken, now)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = svc.Cancel(ctx, m.ID)
	require.NoError(t, err)

	s := scheduler.New(svc, "@every 1h", nil)
	now = now.Add(time.Hour)
	require.Equal(t, 0, s.Tick(ctx))

	st, err := svc.GetStats(ctx, m.ID)
	require.NoError(t, err)
	require.Zero(t, st.Pending)
	require.Equal(t, 2, st.Skipped)
}

func TestStart_RunsOnCronSchedule(t *testing.T) {
	svc, q := setup(t, 2)
	ctx := context.Background()
	m, err := svc.CreateMessage(ctx, core.CreateMessageRequest{Title: "a", Body: "b", TargetType: core.TargetAll})
	require.NoError(t, err)
	_, err = svc.Schedule(ctx, m.ID, time.Now())
	require.NoError(t, err)

	s := scheduler.New(svc, "@every 1s", nil)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestStart_BadCronExpression(t *testing.T) {
	svc, _ := setup(t, 1)
	s := scheduler.New(svc, "every now and then", nil)
	require.Error(t, s.Start(context.Background()))
}
