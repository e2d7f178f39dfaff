package core

import (
	"context"
	"time"
)

// RunRequest describes one atomic "start a dispatcher run" step.
type RunRequest struct {
	Op        string
	MessageID string
	// From lists the statuses the message may be in.
	From []MessageStatus
	// Recipients are materialized into the ledger (existing keys are kept).
	Recipients []string
	// ResetFailed moves failed records back to pending before counting.
	ResetFailed bool
	// RequireEligible rejects the run with ErrNothingToDo when no record is
	// pending after the reset.
	RequireEligible bool
	Token           string
	LeaseUntil      time.Time
	Now             time.Time
}

type RunStart struct {
	Message  BroadcastMessage
	Inserted int
	Eligible int
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m BroadcastMessage) error
	GetMessage(ctx context.Context, id string) (BroadcastMessage, error)
	ListMessages(ctx context.Context, f MessageFilter, p Page) ([]BroadcastMessage, error)

	// ScheduleMessage moves a draft to scheduled.
	ScheduleMessage(ctx context.Context, id string, at, now time.Time) (BroadcastMessage, error)
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]string, error)
	// FailScheduled moves a scheduled message straight to failed.
	FailScheduled(ctx context.Context, id string, now time.Time) (BroadcastMessage, error)

	BeginRun(ctx context.Context, r RunRequest) (RunStart, error)
	// RenewRun extends the lease. It reports false once the token is lost.
	RenewRun(ctx context.Context, id, token string, leaseUntil time.Time) (bool, error)
	// FinishRun decides completed/failed from the ledger and releases the
	// token. It reports false when the token no longer owns the message.
	FinishRun(ctx context.Context, id, token string, now time.Time) (BroadcastMessage, bool, error)
	// ReleaseRun drops the token and keeps the status, so a later resume is allowed.
	ReleaseRun(ctx context.Context, id, token string, now time.Time) error
	// CancelMessage moves scheduled/sending to cancelled and skips pending
	// records that are not in flight (all of them when no run is live).
	CancelMessage(ctx context.Context, id string, now time.Time) (BroadcastMessage, int, error)
	// ReapCancelled skips pending records of cancelled messages that are
	// unclaimed or whose claim is older than claimedBefore. It reports how
	// many records it skipped.
	ReapCancelled(ctx context.Context, claimedBefore time.Time) (int, error)
}

type Ledger interface {
	// Initialize creates pending records only for recipients not yet present.
	Initialize(ctx context.Context, messageID string, recipients []string) (int, error)
	// ListByStatus returns a lazy, restartable sequence ordered by seq.
	ListByStatus(ctx context.Context, messageID string, status DeliveryStatus, pageSize int) RecordIterator
	FetchAfter(ctx context.Context, messageID string, status DeliveryStatus, afterSeq int64, limit int) ([]DeliveryRecord, error)
	ListDeliveries(ctx context.Context, messageID string, status *DeliveryStatus, p Page) ([]DeliveryRecord, error)

	// Claim marks a pending, unclaimed record as in flight. It only succeeds
	// while runToken still owns the message, so nothing is claimed once the
	// message is cancelled or taken over.
	Claim(ctx context.Context, messageID, recipientID, runToken string, now time.Time) (bool, error)
	ReleaseClaims(ctx context.Context, messageID string) (int, error)

	MarkSent(ctx context.Context, messageID, recipientID string, now time.Time) (bool, error)
	// MarkFailed records a failed attempt. With final the record becomes
	// failed, otherwise it stays pending for another attempt. Sent records
	// are never overwritten.
	MarkFailed(ctx context.Context, messageID, recipientID, errMsg string, final bool, now time.Time) (DeliveryRecord, error)
	MarkSkipped(ctx context.Context, messageID, recipientID string) (bool, error)
	SkipPending(ctx context.Context, messageID string, includeClaimed bool) (int, error)
	ResetFailed(ctx context.Context, messageID string) (int, error)

	Counts(ctx context.Context, messageID string) (Stats, error)
}

type Store interface {
	MessageStore
	Ledger
	Ping(ctx context.Context) error
}

// UserDirectory is the external registry of end users.
type UserDirectory interface {
	ListActiveUserIDs(ctx context.Context) ([]string, error)
	ListUserIDsInGroup(ctx context.Context, tag string) ([]string, error)
}

// JobQueue accepts dispatch work items.
type JobQueue interface {
	Publish(ctx context.Context, job DispatchJob) error
}

type StatsCache interface {
	Get(ctx context.Context, messageID string) (Stats, bool, error)
	Set(ctx context.Context, messageID string, st Stats) error
}

// RecordIterator walks delivery records page by page.
type RecordIterator interface {
	Next(ctx context.Context) bool
	Record() DeliveryRecord
	Err() error
	// Reset restarts the sequence from the beginning.
	Reset()
}

type FetchFunc func(ctx context.Context, afterSeq int64, limit int) ([]DeliveryRecord, error)

type pagedIterator struct {
	fetch    FetchFunc
	pageSize int

	buf   []DeliveryRecord
	pos   int
	after int64
	cur   DeliveryRecord
	done  bool
	err   error
}

// NewPagedIterator builds a keyset iterator over fetch. A short page ends the sequence.
func NewPagedIterator(fetch FetchFunc, pageSize int) RecordIterator {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &pagedIterator{fetch: fetch, pageSize: pageSize}
}

func (it *pagedIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		page, err := it.fetch(ctx, it.after, it.pageSize)
		if err != nil {
			it.err = WrapStorage("list_by_status", err)
			return false
		}
		it.buf, it.pos = page, 0
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		it.after = page[len(page)-1].Seq
	}
	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

func (it *pagedIterator) Record() DeliveryRecord { return it.cur }

func (it *pagedIterator) Err() error { return it.err }

func (it *pagedIterator) Reset() {
	it.buf, it.pos, it.after = nil, 0, 0
	it.cur = DeliveryRecord{}
	it.done, it.err = false, nil
}
