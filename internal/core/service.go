package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultLeaseTTL = 30 * time.Second
	DefaultDueBatch = 100
)

type ServiceOptions struct {
	LeaseTTL time.Duration // lifetime of a run-ownership token between renewals
	DueBatch int           // scheduled messages fired per tick
}

// Service is the broadcast controller: it owns every message lifecycle
// transition and hands dispatch work to the queue.
type Service struct {
	Store    Store
	Resolver *Resolver
	Queue    JobQueue
	Stats    *StatsAggregator
	Log      *zap.SugaredLogger
	Now      func() time.Time

	opt ServiceOptions
}

func NewService(store Store, dir UserDirectory, q JobQueue, cache StatsCache, log *zap.SugaredLogger, opt ServiceOptions) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opt.LeaseTTL <= 0 {
		opt.LeaseTTL = DefaultLeaseTTL
	}
	if opt.DueBatch <= 0 {
		opt.DueBatch = DefaultDueBatch
	}
	return &Service{
		Store:    store,
		Resolver: NewResolver(dir),
		Queue:    q,
		Stats:    NewStatsAggregator(store, cache, log),
		Log:      log,
		Now:      time.Now,
		opt:      opt,
	}
}

func (s *Service) CreateMessage(ctx context.Context, req CreateMessageRequest) (BroadcastMessage, error) {
	if err := validateCreate(req); err != nil {
		return BroadcastMessage{}, err
	}
	now := s.Now().UTC()
	m := BroadcastMessage{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(req.Title),
		Body:          req.Body,
		TargetType:    req.TargetType,
		TargetUserIDs: dedupe(req.TargetUserIDs),
		TargetGroup:   strings.TrimSpace(req.TargetGroup),
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateMessage(ctx, m); err != nil {
		return BroadcastMessage{}, WrapStorage("create_message", err)
	}
	s.Log.Infow("message_created", "message_id", m.ID, "target_type", m.TargetType)
	return m, nil
}

func validateCreate(req CreateMessageRequest) error {
	switch {
	case strings.TrimSpace(req.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	case strings.TrimSpace(req.Body) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidInput)
	case !req.TargetType.Valid():
		return fmt.Errorf("%w: target_type must be one of all, user, users, group", ErrInvalidInput)
	case req.TargetType == TargetUser && len(dedupe(req.TargetUserIDs)) != 1:
		return fmt.Errorf("%w: target_type user needs exactly one target_user_ids entry", ErrInvalidInput)
	case req.TargetType == TargetGroup && strings.TrimSpace(req.TargetGroup) == "":
		return fmt.Errorf("%w: target_group is required for target_type group", ErrInvalidInput)
	}
	return nil
}

func (s *Service) GetMessage(ctx context.Context, id string) (BroadcastMessage, error) {
	m, err := s.Store.GetMessage(ctx, id)
	if err != nil {
		return BroadcastMessage{}, WrapStorage("get_message", err)
	}
	return m, nil
}

func (s *Service) ListMessages(ctx context.Context, f MessageFilter, p Page) (MessagePage, error) {
	if f.Status != nil && !f.Status.Valid() {
		return MessagePage{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *f.Status)
	}
	p = p.Normalize()
	items, err := s.Store.ListMessages(ctx, f, p)
	if err != nil {
		return MessagePage{}, WrapStorage("list_messages", err)
	}
	if items == nil {
		items = []BroadcastMessage{}
	}
	return MessagePage{Items: items, Limit: p.Limit, Offset: p.Offset}, nil
}

// Send resolves the audience, freezes it into the ledger and queues a
// dispatcher run. It does not wait for delivery.
func (s *Service) Send(ctx context.Context, id string) (BroadcastMessage, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return BroadcastMessage{}, err
	}
	if m.Status != StatusDraft {
		return BroadcastMessage{}, &StateError{Op: "send", ID: id, Status: m.Status}
	}
	recipients, err := s.Resolver.Resolve(ctx, m.TargetType, m.TargetUserIDs, m.TargetGroup)
	if err != nil {
		return BroadcastMessage{}, err
	}
	return s.startRun(ctx, RunRequest{
		Op:         "send",
		MessageID:  id,
		From:       []MessageStatus{StatusDraft},
		Recipients: recipients,
	})
}

// Schedule stores the fire time. The audience is checked but not materialized
// until the timer fires.
func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (BroadcastMessage, error) {
	if at.IsZero() {
		return BroadcastMessage{}, fmt.Errorf("%w: schedule time is required", ErrInvalidInput)
	}
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return BroadcastMessage{}, err
	}
	if m.Status != StatusDraft {
		return BroadcastMessage{}, &StateError{Op: "schedule", ID: id, Status: m.Status}
	}
	if _, err := s.Resolver.Resolve(ctx, m.TargetType, m.TargetUserIDs, m.TargetGroup); err != nil {
		return BroadcastMessage{}, err
	}
	out, err := s.Store.ScheduleMessage(ctx, id, at.UTC(), s.Now().UTC())
	if err != nil {
		return BroadcastMessage{}, WrapStorage("schedule_message", err)
	}
	s.Log.Infow("message_scheduled", "message_id", id, "schedule_at", at.UTC())
	return out, nil
}

// FireDue starts runs for every scheduled message whose time has come.
// It returns the number of runs started.
func (s *Service) FireDue(ctx context.Context) (int, error) {
	now := s.Now().UTC()
	ids, err := s.Store.DueScheduled(ctx, now, s.opt.DueBatch)
	if err != nil {
		return 0, WrapStorage("due_scheduled", err)
	}
	var (
		fired int
		errs  []error
	)
	for _, id := range ids {
		started, err := s.fire(ctx, id)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				// another instance fired or the operator cancelled meanwhile
				continue
			}
			s.Log.Errorw("schedule_fire_error", "message_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if started {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

func (s *Service) fire(ctx context.Context, id string) (bool, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if m.Status != StatusScheduled {
		return false, &StateError{Op: "fire", ID: id, Status: m.Status}
	}
	recipients, err := s.Resolver.Resolve(ctx, m.TargetType, m.TargetUserIDs, m.TargetGroup)
	if errors.Is(err, ErrEmptyAudience) {
		s.Log.Warnw("schedule_fire_empty_audience", "message_id", id)
		_, ferr := s.Store.FailScheduled(ctx, id, s.Now().UTC())
		return false, WrapStorage("fail_scheduled", ferr)
	}
	if err != nil {
		return false, err
	}
	_, err = s.startRun(ctx, RunRequest{
		Op:         "fire",
		MessageID:  id,
		From:       []MessageStatus{StatusScheduled},
		Recipients: recipients,
	})
	return err == nil, err
}

// ReapCancelled finishes cancels whose dispatcher died before its final
// sweep. A claim older than the lease TTL belongs to no live run.
func (s *Service) ReapCancelled(ctx context.Context) (int, error) {
	n, err := s.Store.ReapCancelled(ctx, s.Now().UTC().Add(-s.opt.LeaseTTL))
	if err != nil {
		return 0, WrapStorage("reap_cancelled", err)
	}
	if n > 0 {
		s.Log.Infow("cancelled_records_reaped", "skipped", n)
	}
	return n, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (BroadcastMessage, error) {
	m, skipped, err := s.Store.CancelMessage(ctx, id, s.Now().UTC())
	if err != nil {
		return BroadcastMessage{}, WrapStorage("cancel_message", err)
	}
	s.Log.Infow("message_cancelled", "message_id", id, "skipped", skipped)
	return m, nil
}

// Resume continues delivery to every recipient not yet reached. Sent
// records are never touched.
func (s *Service) Resume(ctx context.Context, id string) (BroadcastMessage, error) {
	return s.startRun(ctx, RunRequest{
		Op:              "resume",
		MessageID:       id,
		From:            []MessageStatus{StatusFailed, StatusCompleted, StatusSending},
		ResetFailed:     true,
		RequireEligible: true,
	})
}

// RetryFailed resets failed records to pending and dispatches only those.
func (s *Service) RetryFailed(ctx context.Context, id string) (BroadcastMessage, error) {
	return s.startRun(ctx, RunRequest{
		Op:              "retry_failed",
		MessageID:       id,
		From:            []MessageStatus{StatusFailed},
		ResetFailed:     true,
		RequireEligible: true,
	})
}

func (s *Service) startRun(ctx context.Context, r RunRequest) (BroadcastMessage, error) {
	now := s.Now().UTC()
	r.Token = uuid.NewString()
	r.Now = now
	r.LeaseUntil = now.Add(s.opt.LeaseTTL)

	started, err := s.Store.BeginRun(ctx, r)
	if err != nil {
		return BroadcastMessage{}, WrapStorage(r.Op, err)
	}

	job := DispatchJob{MessageID: r.MessageID, RunToken: r.Token}
	if err := s.Queue.Publish(ctx, job); err != nil {
		// Without a job nobody will renew the lease; drop it so resume works.
		if rerr := s.Store.ReleaseRun(ctx, r.MessageID, r.Token, s.Now().UTC()); rerr != nil {
			s.Log.Errorw("release_run_error", "message_id", r.MessageID, "error", rerr)
		}
		return BroadcastMessage{}, fmt.Errorf("%s: publish dispatch job: %w", r.Op, err)
	}

	s.Log.Infow("run_queued",
		"op", r.Op,
		"message_id", r.MessageID,
		"run_token", r.Token,
		"inserted", started.Inserted,
		"eligible", started.Eligible,
	)
	return started.Message, nil
}

func (s *Service) GetStats(ctx context.Context, id string) (Stats, error) {
	if _, err := s.GetMessage(ctx, id); err != nil {
		return Stats{}, err
	}
	return s.Stats.GetStats(ctx, id)
}

func (s *Service) ListDeliveries(ctx context.Context, id string, status *DeliveryStatus, p Page) (DeliveryPage, error) {
	if status != nil && !status.Valid() {
		return DeliveryPage{}, fmt.Errorf("%w: unknown delivery status %q", ErrInvalidInput, *status)
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return DeliveryPage{}, err
	}
	p = p.Normalize()
	items, err := s.Store.ListDeliveries(ctx, id, status, p)
	if err != nil {
		return DeliveryPage{}, WrapStorage("list_deliveries", err)
	}
	if items == nil {
		items = []DeliveryRecord{}
	}
	return DeliveryPage{Items: items, Limit: p.Limit, Offset: p.Offset}, nil
}
