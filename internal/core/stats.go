package core

import (
	"context"

	"go.uber.org/zap"
)

// StatsAggregator derives counters from the ledger. It never mutates.
type StatsAggregator struct {
	Ledger Ledger
	Cache  StatsCache // optional
	Log    *zap.SugaredLogger
}

func NewStatsAggregator(l Ledger, cache StatsCache, log *zap.SugaredLogger) *StatsAggregator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StatsAggregator{Ledger: l, Cache: cache, Log: log}
}

func (a *StatsAggregator) GetStats(ctx context.Context, messageID string) (Stats, error) {
	if a.Cache != nil {
		st, ok, err := a.Cache.Get(ctx, messageID)
		if err != nil {
			a.Log.Warnw("stats_cache_get_error", "message_id", messageID, "error", err)
		} else if ok {
			return st, nil
		}
	}

	st, err := a.Ledger.Counts(ctx, messageID)
	if err != nil {
		return Stats{}, WrapStorage("counts", err)
	}
	if a.Cache != nil {
		if err := a.Cache.Set(ctx, messageID, st); err != nil {
			a.Log.Warnw("stats_cache_set_error", "message_id", messageID, "error", err)
		}
	}
	return st, nil
}
