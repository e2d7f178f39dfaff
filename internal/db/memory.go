package db

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

// Memory is an in-process core.Store. A single mutex serializes every
// mutation, which trivially serializes writes per (message, recipient) key.
type Memory struct {
	mu       sync.Mutex
	messages map[string]*core.BroadcastMessage
	created  []string
	ledgers  map[string]*memLedger
}

type memLedger struct {
	bySeq   []*core.DeliveryRecord
	byID    map[string]*core.DeliveryRecord
	nextSeq int64
}

var _ core.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		messages: map[string]*core.BroadcastMessage{},
		ledgers:  map[string]*memLedger{},
	}
}

func (s *Memory) Ping(context.Context) error { return nil }

func copyMessage(m *core.BroadcastMessage) core.BroadcastMessage {
	out := *m
	out.TargetUserIDs = slices.Clone(m.TargetUserIDs)
	if m.ScheduleAt != nil {
		t := *m.ScheduleAt
		out.ScheduleAt = &t
	}
	if m.RunLeaseUntil != nil {
		t := *m.RunLeaseUntil
		out.RunLeaseUntil = &t
	}
	return out
}

func copyRecord(r *core.DeliveryRecord) core.DeliveryRecord {
	out := *r
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	if r.LastAttemptedAt != nil {
		t := *r.LastAttemptedAt
		out.LastAttemptedAt = &t
	}
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		out.ClaimedAt = &t
	}
	return out
}

func (s *Memory) CreateMessage(_ context.Context, m core.BroadcastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return core.ErrInvalidInput
	}
	cp := copyMessage(&m)
	s.messages[m.ID] = &cp
	s.created = append(s.created, m.ID)
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (core.BroadcastMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return core.BroadcastMessage{}, core.ErrNotFound
	}
	return copyMessage(m), nil
}

func (s *Memory) ListMessages(_ context.Context, f core.MessageFilter, p core.Page) ([]core.BroadcastMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.BroadcastMessage
	skipped := 0
	for i := len(s.created) - 1; i >= 0; i-- {
		m := s.messages[s.created[i]]
		if f.Status != nil && m.Status != *f.Status {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		if len(out) >= p.Limit {
			break
		}
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *Memory) ScheduleMessage(_ context.Context, id string, at, now time.Time) (core.BroadcastMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return core.BroadcastMessage{}, core.ErrNotFound
	}
	if m.Status != core.StatusDraft {
		return core.BroadcastMessage{}, &core.StateError{Op: "schedule", ID: id, Status: m.Status}
	}
	m.Status = core.StatusScheduled
	m.ScheduleAt = &at
	m.UpdatedAt = now
	return copyMessage(m), nil
}

func (s *Memory) DueScheduled(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*core.BroadcastMessage
	for _, m := range s.messages {
		if m.Status == core.StatusScheduled && m.ScheduleAt != nil && !m.ScheduleAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduleAt.Before(*due[j].ScheduleAt) })
	ids := make([]string, 0, len(due))
	for _, m := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *Memory) FailScheduled(_ context.Context, id string, now time.Time) (core.BroadcastMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return core.BroadcastMessage{}, core.ErrNotFound
	}
	if m.Status != core.StatusScheduled {
		return core.BroadcastMessage{}, &core.StateError{Op: "fail_scheduled", ID: id, Status: m.Status}
	}
	m.Status = core.StatusFailed
	m.UpdatedAt = now
	return copyMessage(m), nil
}

func (s *Memory) BeginRun(_ context.Context, r core.RunRequest) (core.RunStart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[r.MessageID]
	if !ok {
		return core.RunStart{}, core.ErrNotFound
	}
	if !slices.Contains(r.From, m.Status) {
		return core.RunStart{}, &core.StateError{Op: r.Op, ID: m.ID, Status: m.Status}
	}
	if m.LiveRun(r.Now) {
		return core.RunStart{}, &core.StateError{Op: r.Op, ID: m.ID, Status: m.Status, Reason: "run in progress"}
	}

	l := s.ledger(m.ID)
	eligible := 0
	for _, rec := range l.bySeq {
		if rec.Status == core.DeliveryPending || (r.ResetFailed && rec.Status == core.DeliveryFailed) {
			eligible++
		}
	}
	fresh := len(uniqueNew(l, r.Recipients))
	if r.RequireEligible && eligible+fresh == 0 {
		return core.RunStart{}, core.ErrNothingToDo
	}

	if r.ResetFailed {
		l.resetFailed()
	}
	inserted := l.initialize(m.ID, r.Recipients)

	lease := r.LeaseUntil
	m.Status = core.StatusSending
	m.RunToken = r.Token
	m.RunLeaseUntil = &lease
	m.UpdatedAt = r.Now
	return core.RunStart{Message: copyMessage(m), Inserted: inserted, Eligible: eligible + inserted}, nil
}

func uniqueNew(l *memLedger, ids []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids {
		if _, ok := l.byID[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Memory) RenewRun(_ context.Context, id, token string, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Status != core.StatusSending || m.RunToken != token {
		return false, nil
	}
	m.RunLeaseUntil = &leaseUntil
	return true, nil
}

func (s *Memory) FinishRun(_ context.Context, id, token string, now time.Time) (core.BroadcastMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return core.BroadcastMessage{}, false, core.ErrNotFound
	}
	if m.Status != core.StatusSending || m.RunToken != token {
		return copyMessage(m), false, nil
	}
	st := s.ledger(id).counts()
	switch {
	case st.Pending > 0:
		// not drained; keep sending so an operator can resume
	case st.Failed > 0:
		m.Status = core.StatusFailed
	default:
		m.Status = core.StatusCompleted
	}
	m.RunToken = ""
	m.RunLeaseUntil = nil
	m.UpdatedAt = now
	return copyMessage(m), true, nil
}

func (s *Memory) ReleaseRun(_ context.Context, id, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return core.ErrNotFound
	}
	if m.RunToken == token {
		m.RunToken = ""
		m.RunLeaseUntil = nil
		m.UpdatedAt = now
	}
	return nil
}

func (s *Memory) CancelMessage(_ context.Context, id string, now time.Time) (core.BroadcastMessage, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return core.BroadcastMessage{}, 0, core.ErrNotFound
	}
	if m.Status != core.StatusScheduled && m.Status != core.StatusSending {
		return core.BroadcastMessage{}, 0, &core.StateError{Op: "cancel", ID: id, Status: m.Status}
	}
	live := m.LiveRun(now)
	m.Status = core.StatusCancelled
	m.RunToken = ""
	m.RunLeaseUntil = nil
	m.UpdatedAt = now
	skipped := s.ledger(id).skipPending(!live)
	return copyMessage(m), skipped, nil
}

func (s *Memory) ReapCancelled(_ context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.Status != core.StatusCancelled {
			continue
		}
		l, ok := s.ledgers[id]
		if !ok {
			continue
		}
		for _, rec := range l.bySeq {
			if rec.Status != core.DeliveryPending {
				continue
			}
			if rec.ClaimedAt != nil && !rec.ClaimedAt.Before(claimedBefore) {
				continue
			}
			rec.Status = core.DeliverySkipped
			rec.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// ---- ledger ----

func (s *Memory) ledger(messageID string) *memLedger {
	l, ok := s.ledgers[messageID]
	if !ok {
		l = &memLedger{byID: map[string]*core.DeliveryRecord{}}
		s.ledgers[messageID] = l
	}
	return l
}

func (l *memLedger) initialize(messageID string, recipients []string) int {
	n := 0
	for _, rid := range recipients {
		if _, ok := l.byID[rid]; ok {
			continue
		}
		l.nextSeq++
		rec := &core.DeliveryRecord{
			MessageID:   messageID,
			RecipientID: rid,
			Seq:         l.nextSeq,
			Status:      core.DeliveryPending,
		}
		l.byID[rid] = rec
		l.bySeq = append(l.bySeq, rec)
		n++
	}
	return n
}

func (l *memLedger) resetFailed() int {
	n := 0
	for _, rec := range l.bySeq {
		if rec.Status == core.DeliveryFailed {
			rec.Status = core.DeliveryPending
			rec.ClaimedAt = nil
			n++
		}
	}
	return n
}

func (l *memLedger) skipPending(includeClaimed bool) int {
	n := 0
	for _, rec := range l.bySeq {
		if rec.Status != core.DeliveryPending {
			continue
		}
		if rec.ClaimedAt != nil && !includeClaimed {
			continue
		}
		rec.Status = core.DeliverySkipped
		rec.ClaimedAt = nil
		n++
	}
	return n
}

func (l *memLedger) counts() core.Stats {
	var sent, failed, pending, skipped int
	for _, rec := range l.bySeq {
		switch rec.Status {
		case core.DeliverySent:
			sent++
		case core.DeliveryFailed:
			failed++
		case core.DeliveryPending:
			pending++
		case core.DeliverySkipped:
			skipped++
		}
	}
	return core.NewStats(sent, failed, pending, skipped)
}

func (s *Memory) Initialize(_ context.Context, messageID string, recipients []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return 0, core.ErrNotFound
	}
	return s.ledger(messageID).initialize(messageID, recipients), nil
}

func (s *Memory) ListByStatus(_ context.Context, messageID string, status core.DeliveryStatus, pageSize int) core.RecordIterator {
	return core.NewPagedIterator(func(ctx context.Context, after int64, limit int) ([]core.DeliveryRecord, error) {
		return s.FetchAfter(ctx, messageID, status, after, limit)
	}, pageSize)
}

func (s *Memory) FetchAfter(_ context.Context, messageID string, status core.DeliveryStatus, afterSeq int64, limit int) ([]core.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[messageID]
	if !ok {
		return nil, nil
	}
	var out []core.DeliveryRecord
	for _, rec := range l.bySeq {
		if rec.Seq <= afterSeq || rec.Status != status {
			continue
		}
		out = append(out, copyRecord(rec))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) ListDeliveries(_ context.Context, messageID string, status *core.DeliveryStatus, p core.Page) ([]core.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[messageID]
	if !ok {
		return nil, nil
	}
	var out []core.DeliveryRecord
	skipped := 0
	for _, rec := range l.bySeq {
		if status != nil && rec.Status != *status {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		if len(out) >= p.Limit {
			break
		}
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func (s *Memory) record(messageID, recipientID string) *core.DeliveryRecord {
	l, ok := s.ledgers[messageID]
	if !ok {
		return nil
	}
	return l.byID[recipientID]
}

func (s *Memory) Claim(_ context.Context, messageID, recipientID, runToken string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Status != core.StatusSending || m.RunToken != runToken {
		return false, nil
	}
	rec := s.record(messageID, recipientID)
	if rec == nil || rec.Status != core.DeliveryPending || rec.ClaimedAt != nil {
		return false, nil
	}
	rec.ClaimedAt = &now
	return true, nil
}

func (s *Memory) ReleaseClaims(_ context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[messageID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, rec := range l.bySeq {
		if rec.ClaimedAt != nil {
			rec.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Memory) MarkSent(_ context.Context, messageID, recipientID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(messageID, recipientID)
	if rec == nil {
		return false, core.ErrNotFound
	}
	if rec.Status != core.DeliveryPending {
		return false, nil
	}
	rec.Status = core.DeliverySent
	rec.AttemptCount++
	rec.LastAttemptedAt = &now
	rec.ClaimedAt = nil
	return true, nil
}

func (s *Memory) MarkFailed(_ context.Context, messageID, recipientID, errMsg string, final bool, now time.Time) (core.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(messageID, recipientID)
	if rec == nil {
		return core.DeliveryRecord{}, core.ErrNotFound
	}
	if rec.Status != core.DeliveryPending {
		return copyRecord(rec), nil
	}
	rec.AttemptCount++
	rec.LastError = &errMsg
	rec.LastAttemptedAt = &now
	rec.ClaimedAt = nil
	if final {
		rec.Status = core.DeliveryFailed
	}
	return copyRecord(rec), nil
}

func (s *Memory) MarkSkipped(_ context.Context, messageID, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(messageID, recipientID)
	if rec == nil {
		return false, core.ErrNotFound
	}
	if rec.Status != core.DeliveryPending {
		return false, nil
	}
	rec.Status = core.DeliverySkipped
	rec.ClaimedAt = nil
	return true, nil
}

func (s *Memory) SkipPending(_ context.Context, messageID string, includeClaimed bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[messageID]
	if !ok {
		return 0, nil
	}
	return l.skipPending(includeClaimed), nil
}

func (s *Memory) ResetFailed(_ context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[messageID]
	if !ok {
		return 0, nil
	}
	return l.resetFailed(), nil
}

func (s *Memory) Counts(_ context.Context, messageID string) (core.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[messageID]
	if !ok {
		return core.NewStats(0, 0, 0, 0), nil
	}
	return l.counts(), nil
}
