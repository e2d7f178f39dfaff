package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStats(t *testing.T) {
	st := NewStats(5, 1, 2, 2)
	require.Equal(t, 10, st.Total)
	require.Equal(t, st.Total, st.Sent+st.Failed+st.Pending+st.Skipped)
	require.InDelta(t, 80.0, st.PercentComplete, 1e-9)

	require.Equal(t, 0.0, NewStats(0, 0, 0, 0).PercentComplete)
}

type countingLedger struct {
	Ledger
	calls int
	st    Stats
	err   error
}

func (l *countingLedger) Counts(context.Context, string) (Stats, error) {
	l.calls++
	return l.st, l.err
}

type mapCache struct {
	m      map[string]Stats
	getErr error
}

func (c *mapCache) Get(_ context.Context, id string) (Stats, bool, error) {
	if c.getErr != nil {
		return Stats{}, false, c.getErr
	}
	st, ok := c.m[id]
	return st, ok, nil
}

func (c *mapCache) Set(_ context.Context, id string, st Stats) error {
	c.m[id] = st
	return nil
}

func TestStatsAggregator_CacheAside(t *testing.T) {
	l := &countingLedger{st: NewStats(1, 0, 1, 0)}
	c := &mapCache{m: map[string]Stats{}}
	a := NewStatsAggregator(l, c, nil)

	st, err := a.GetStats(context.Background(), "m")
	require.NoError(t, err)
	require.Equal(t, 2, st.Total)
	_, err = a.GetStats(context.Background(), "m")
	require.NoError(t, err)
	require.Equal(t, 1, l.calls)

	// a broken cache falls back to the ledger
	c.getErr = errors.New("redis down")
	_, err = a.GetStats(context.Background(), "m")
	require.NoError(t, err)
	require.Equal(t, 2, l.calls)
}

func TestStatsAggregator_StorageError(t *testing.T) {
	a := NewStatsAggregator(&countingLedger{err: errors.New("timeout")}, nil, nil)
	_, err := a.GetStats(context.Background(), "m")
	require.ErrorIs(t, err, ErrStorage)
}
