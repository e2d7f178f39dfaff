package core

import (
	"time"
)

type TargetType string

const (
	TargetAll   TargetType = "all"
	TargetUser  TargetType = "user"
	TargetUsers TargetType = "users"
	TargetGroup TargetType = "group"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetAll, TargetUser, TargetUsers, TargetGroup:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusDraft     MessageStatus = "draft"
	StatusScheduled MessageStatus = "scheduled"
	StatusSending   MessageStatus = "sending"
	StatusCompleted MessageStatus = "completed"
	StatusFailed    MessageStatus = "failed"
	StatusCancelled MessageStatus = "cancelled"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryFailed, DeliverySkipped:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible for the record.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliverySkipped
}

type BroadcastMessage struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	TargetType    TargetType    `json:"target_type"`
	TargetUserIDs []string      `json:"target_user_ids,omitempty"`
	TargetGroup   string        `json:"target_group,omitempty"`
	ScheduleAt    *time.Time    `json:"schedule_at,omitempty"`
	Status        MessageStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	// Run ownership. Only the holder of RunToken may dispatch or finalize.
	RunToken      string     `json:"-"`
	RunLeaseUntil *time.Time `json:"-"`
}

// LiveRun reports whether a dispatcher currently owns the message.
func (m BroadcastMessage) LiveRun(now time.Time) bool {
	return m.Status == StatusSending && m.RunToken != "" &&
		m.RunLeaseUntil != nil && m.RunLeaseUntil.After(now)
}

type DeliveryRecord struct {
	MessageID       string         `json:"message_id"`
	RecipientID     string         `json:"recipient_id"`
	Seq             int64          `json:"seq"`
	Status          DeliveryStatus `json:"status"`
	AttemptCount    int            `json:"attempt_count"`
	LastError       *string        `json:"last_error,omitempty"`
	LastAttemptedAt *time.Time     `json:"last_attempted_at,omitempty"`
	ClaimedAt       *time.Time     `json:"-"`
}

type Stats struct {
	Total           int     `json:"total"`
	Sent            int     `json:"sent"`
	Failed          int     `json:"failed"`
	Pending         int     `json:"pending"`
	Skipped         int     `json:"skipped"`
	PercentComplete float64 `json:"percent_complete"`
}

// NewStats fills in PercentComplete from the per-status counts.
func NewStats(sent, failed, pending, skipped int) Stats {
	st := Stats{Sent: sent, Failed: failed, Pending: pending, Skipped: skipped}
	st.Total = sent + failed + pending + skipped
	if st.Total > 0 {
		st.PercentComplete = float64(st.Total-st.Pending) / float64(st.Total) * 100
	}
	return st
}

type CreateMessageRequest struct {
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	TargetType    TargetType `json:"target_type"`
	TargetUserIDs []string   `json:"target_user_ids"`
	TargetGroup   string     `json:"target_group"`
}

type MessageFilter struct {
	Status *MessageStatus
}

type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type MessagePage struct {
	Items  []BroadcastMessage `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type DeliveryPage struct {
	Items  []DeliveryRecord `json:"items"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// DispatchJob is the work item placed on the dispatch queue.
type DispatchJob struct {
	MessageID string `json:"message_id"`
	RunToken  string `json:"run_token"`
}
