package db_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/broadcast-engine/internal/core"
	"github.com/Cypherspark/broadcast-engine/internal/db"
)

// Both stores must behave the same; every test runs against each.
func stores(t *testing.T) map[string]func(t *testing.T) core.Store {
	return map[string]func(t *testing.T) core.Store{
		"memory":   func(*testing.T) core.Store { return db.NewMemory() },
		"postgres": func(t *testing.T) core.Store { return db.StartTestPostgres(t) },
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s core.Store)) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) { fn(t, mk(t)) })
	}
}

func newDraft(t *testing.T, s core.Store) core.BroadcastMessage {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	m := core.BroadcastMessage{
		ID: uuid.NewString(), Title: "t", Body: "b", TargetType: core.TargetAll,
		Status: core.StatusDraft, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateMessage(context.Background(), m))
	return m
}

func begin(t *testing.T, s core.Store, id string, recipients []string) string {
	t.Helper()
	now := time.Now().UTC()
	token := uuid.NewString()
	_, err := s.BeginRun(context.Background(), core.RunRequest{
		Op: "send", MessageID: id, From: []core.MessageStatus{core.StatusDraft},
		Recipients: recipients, Token: token, LeaseUntil: now.Add(time.Minute), Now: now,
	})
	require.NoError(t, err)
	return token
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

func TestStore_GetMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		_, err := s.GetMessage(context.Background(), uuid.NewString())
		require.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestStore_BeginRunIsExclusive(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		m := newDraft(t, s)
		now := time.Now().UTC()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.BeginRun(ctx, core.RunRequest{
					Op: "send", MessageID: m.ID, From: []core.MessageStatus{core.StatusDraft},
					Recipients: ids(5), Token: uuid.NewString(), LeaseUntil: now.Add(time.Minute), Now: now,
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)

		st, err := s.Counts(ctx, m.ID)
		require.NoError(t, err)
		require.Equal(t, 5, st.Total)
	})
}

func TestStore_InitializeKeepsExisting(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		m := newDraft(t, s)
		begin(t, s, m.ID, []string{"3", "1", "2"})

		_, err := s.MarkSent(ctx, m.ID, "1", time.Now())
		require.NoError(t, err)

		n, err := s.Initialize(ctx, m.ID, []string{"1", "4", "4"})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		recs, err := s.ListDeliveries(ctx, m.ID, nil, core.Page{Limit: 10})
		require.NoError(t, err)
		var order []string
		for _, r := range recs {
			order = append(order, r.RecipientID)
		}
		require.Equal(t, []string{"3", "1", "2", "4"}, order)
		require.Equal(t, core.DeliverySent, recs[1].Status)
	})
}

func TestStore_IteratorPagesInOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		m := newDraft(t, s)
		begin(t, s, m.ID, ids(23))
		_, err := s.MarkSent(ctx, m.ID, "5", time.Now())
		require.NoError(t, err)

		it := s.ListByStatus(ctx, m.ID, core.DeliveryPending, 4)
		var got []string
		for it.Next(ctx) {
			got = append(got, it.Record().RecipientID)
		}
		require.NoError(t, it.Err())
		require.Len(t, got, 22)
		require.Equal(t, "1", got[0])
		require.Equal(t, "6", got[4])
		require.Equal(t, "23", got[21])

		it.Reset()
		require.True(t, it.Next(ctx))
		require.Equal(t, "1", it.Record().RecipientID)
	})
}

func TestStore_RecordTransitions(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		m := newDraft(t, s)
		token := begin(t, s, m.ID, ids(3))
		now := time.Now()

		ok, err := s.Claim(ctx, m.ID, "1", token, now)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.Claim(ctx, m.ID, "1", token, now)
		require.NoError(t, err)
		require.False(t, ok)

		rec, err := s.MarkFailed(ctx, m.ID, "1", "boom", false, now)
		require.NoError(t, err)
		require.Equal(t, core.DeliveryPending, rec.Status)
		require.Equal(t, 1, rec.AttemptCount)
		require.Equal(t, "boom", *rec.LastError)

		rec, err = s.MarkFailed(ctx, m.ID, "1", "boom again", true, now)
		require.NoError(t, err)
		require.Equal(t, core.DeliveryFailed, rec.Status)
		require.Equal(t, 2, rec.AttemptCount)

		sent, err := s.MarkSent(ctx, m.ID, "2", now)
		require.NoError(t, err)
		require.True(t, sent)

		// sent is never overwritten
		rec, err = s.MarkFailed(ctx, m.ID, "2", "late", true, now)
		require.NoError(t, err)
		require.Equal(t, core.DeliverySent, rec.Status)
		skipped, err := s.MarkSkipped(ctx, m.ID, "2")
		require.NoError(t, err)
		require.False(t, skipped)

		_, err = s.MarkSent(ctx, m.ID, "nobody", now)
		require.ErrorIs(t, err, core.ErrNotFound)

		n, err := s.ResetFailed(ctx, m.ID)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		st, err := s.Counts(ctx, m.ID)
		require.NoError(t, err)
		require.Equal(t, core.NewStats(1, 0, 2, 0), st)
	})
}

func TestStore_CancelAndFinish(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		m := newDraft(t, s)
		token := begin(t, s, m.ID, ids(4))
		now := time.Now().UTC()

		ok, err := s.RenewRun(ctx, m.ID, token, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.RenewRun(ctx, m.ID, "other", now.Add(time.Minute))
		require.NoError(t, err)
		require.False(t, ok)

		_, err = s.Claim(ctx, m.ID, "1", token, now)
		require.NoError(t, err)

		out, skipped, err := s.CancelMessage(ctx, m.ID, now)
		require.NoError(t, err)
		require.Equal(t, core.StatusCancelled, out.Status)
		require.Equal(t, 3, skipped)

		ok, err = s.RenewRun(ctx, m.ID, token, now.Add(time.Minute))
		require.NoError(t, err)
		require.False(t, ok)

		_, owned, err := s.FinishRun(ctx, m.ID, token, now)
		require.NoError(t, err)
		require.False(t, owned)

		n, err := s.SkipPending(ctx, m.ID, true)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, _, err = s.CancelMessage(ctx, m.ID, now)
		require.ErrorIs(t, err, core.ErrInvalidState)
	})
}

func TestStore_FinishRunDecidesStatus(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		m := newDraft(t, s)
		token := begin(t, s, m.ID, ids(2))
		_, err := s.MarkSent(ctx, m.ID, "1", now)
		require.NoError(t, err)
		_, err = s.MarkFailed(ctx, m.ID, "2", "x", true, now)
		require.NoError(t, err)

		out, owned, err := s.FinishRun(ctx, m.ID, token, now)
		require.NoError(t, err)
		require.True(t, owned)
		require.Equal(t, core.StatusFailed, out.Status)
		require.Empty(t, out.RunToken)

		// retry the failed one under a new token
		token2 := uuid.NewString()
		start, err := s.BeginRun(ctx, core.RunRequest{
			Op: "retry_failed", MessageID: m.ID, From: []core.MessageStatus{core.StatusFailed},
			ResetFailed: true, RequireEligible: true, Token: token2, LeaseUntil: now.Add(time.Minute), Now: now,
		})
		require.NoError(t, err)
		require.Equal(t, 1, start.Eligible)
		_, err = s.MarkSent(ctx, m.ID, "2", now)
		require.NoError(t, err)
		out, owned, err = s.FinishRun(ctx, m.ID, token2, now)
		require.NoError(t, err)
		require.True(t, owned)
		require.Equal(t, core.StatusCompleted, out.Status)

		_, err = s.BeginRun(ctx, core.RunRequest{
			Op: "resume", MessageID: m.ID, From: []core.MessageStatus{core.StatusCompleted},
			ResetFailed: true, RequireEligible: true, Token: uuid.NewString(), LeaseUntil: now.Add(time.Minute), Now: now,
		})
		require.ErrorIs(t, err, core.ErrNothingToDo)
	})
}

func TestStore_ScheduleAndDue(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		a := newDraft(t, s)
		b := newDraft(t, s)

		_, err := s.ScheduleMessage(ctx, a.ID, now.Add(-time.Minute), now)
		require.NoError(t, err)
		_, err = s.ScheduleMessage(ctx, b.ID, now.Add(time.Hour), now)
		require.NoError(t, err)
		_, err = s.ScheduleMessage(ctx, a.ID, now, now)
		require.ErrorIs(t, err, core.ErrInvalidState)

		due, err := s.DueScheduled(ctx, now, 10)
		require.NoError(t, err)
		require.Equal(t, []string{a.ID}, due)

		out, err := s.FailScheduled(ctx, a.ID, now)
		require.NoError(t, err)
		require.Equal(t, core.StatusFailed, out.Status)

		scheduled := core.StatusScheduled
		list, err := s.ListMessages(ctx, core.MessageFilter{Status: &scheduled}, core.Page{Limit: 10})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, b.ID, list[0].ID)
	})
}

func TestStore_ClaimRequiresRunOwnership(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		m := newDraft(t, s)
		token := begin(t, s, m.ID, ids(2))
		now := time.Now().UTC()

		ok, err := s.Claim(ctx, m.ID, "1", uuid.NewString(), now)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = s.Claim(ctx, m.ID, "1", token, now)
		require.NoError(t, err)
		require.True(t, ok)
		// in flight when the cancel lands, then fails and goes back to pending
		_, _, err = s.CancelMessage(ctx, m.ID, now)
		require.NoError(t, err)
		rec, err := s.MarkFailed(ctx, m.ID, "1", "502", false, now)
		require.NoError(t, err)
		require.Equal(t, core.DeliveryPending, rec.Status)

		ok, err = s.Claim(ctx, m.ID, "1", token, now)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestStore_ReapCancelled(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		m := newDraft(t, s)
		token := begin(t, s, m.ID, ids(3))
		_, err := s.Claim(ctx, m.ID, "1", token, now)
		require.NoError(t, err)
		_, err = s.Claim(ctx, m.ID, "2", token, now)
		require.NoError(t, err)
		_, skipped, err := s.CancelMessage(ctx, m.ID, now)
		require.NoError(t, err)
		require.Equal(t, 1, skipped)

		// a message still sending is left alone
		other := newDraft(t, s)
		otherToken := begin(t, s, other.ID, ids(1))
		_, err = s.Claim(ctx, other.ID, "1", otherToken, now)
		require.NoError(t, err)

		n, err := s.ReapCancelled(ctx, now)
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = s.ReapCancelled(ctx, now.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		st, err := s.Counts(ctx, m.ID)
		require.NoError(t, err)
		require.Equal(t, 3, st.Skipped)
		require.Zero(t, st.Pending)

		st, err = s.Counts(ctx, other.ID)
		require.NoError(t, err)
		require.Equal(t, 1, st.Pending)
	})
}
