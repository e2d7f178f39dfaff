package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

var _ core.Store = (*DB)(nil)

const messageCols = `id, title, body, target_type, target_user_ids, target_group, schedule_at,
	status, COALESCE(run_token, ''), run_lease_until, created_at, updated_at`

func scanMessage(row pgx.Row) (core.BroadcastMessage, error) {
	var (
		m              core.BroadcastMessage
		target, status string
	)
	err := row.Scan(&m.ID, &m.Title, &m.Body, &target, &m.TargetUserIDs, &m.TargetGroup, &m.ScheduleAt,
		&status, &m.RunToken, &m.RunLeaseUntil, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.BroadcastMessage{}, core.ErrNotFound
	}
	if err != nil {
		return core.BroadcastMessage{}, err
	}
	m.TargetType = core.TargetType(target)
	m.Status = core.MessageStatus(status)
	return m, nil
}

func (db *DB) CreateMessage(ctx context.Context, m core.BroadcastMessage) error {
	ids := m.TargetUserIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO broadcast_messages(id, title, body, target_type, target_user_ids, target_group, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.ID, m.Title, m.Body, string(m.TargetType), ids, m.TargetGroup, string(m.Status), m.CreatedAt, m.UpdatedAt)
	return err
}

func (db *DB) GetMessage(ctx context.Context, id string) (core.BroadcastMessage, error) {
	return scanMessage(db.Pool.QueryRow(ctx, `SELECT `+messageCols+` FROM broadcast_messages WHERE id=$1`, id))
}

func (db *DB) ListMessages(ctx context.Context, f core.MessageFilter, p core.Page) ([]core.BroadcastMessage, error) {
	q := `SELECT ` + messageCols + ` FROM broadcast_messages`
	var args []any
	idx := 1
	if f.Status != nil {
		q += fmt.Sprintf(" WHERE status=$%d", idx)
		args = append(args, string(*f.Status))
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, p.Limit, p.Offset)

	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.BroadcastMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// casMessage runs a conditional UPDATE ... RETURNING. When nothing matched it
// tells apart a missing message from one in the wrong state.
func (db *DB) casMessage(ctx context.Context, op, id, q string, args ...any) (core.BroadcastMessage, error) {
	m, err := scanMessage(db.Pool.QueryRow(ctx, q, args...))
	if !errors.Is(err, core.ErrNotFound) {
		return m, err
	}
	cur, gerr := db.GetMessage(ctx, id)
	if gerr != nil {
		return core.BroadcastMessage{}, gerr
	}
	return core.BroadcastMessage{}, &core.StateError{Op: op, ID: id, Status: cur.Status}
}

func (db *DB) ScheduleMessage(ctx context.Context, id string, at, now time.Time) (core.BroadcastMessage, error) {
	return db.casMessage(ctx, "schedule", id, `
		UPDATE broadcast_messages SET status='scheduled', schedule_at=$2, updated_at=$3
		WHERE id=$1 AND status='draft'
		RETURNING `+messageCols, id, at, now)
}

func (db *DB) DueScheduled(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id FROM broadcast_messages
		WHERE status='scheduled' AND schedule_at <= $1
		ORDER BY schedule_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) FailScheduled(ctx context.Context, id string, now time.Time) (core.BroadcastMessage, error) {
	return db.casMessage(ctx, "fail_scheduled", id, `
		UPDATE broadcast_messages SET status='failed', updated_at=$2
		WHERE id=$1 AND status='scheduled'
		RETURNING `+messageCols, id, now)
}

// lockMessage loads the message row FOR UPDATE inside tx.
func lockMessage(ctx context.Context, tx pgx.Tx, id string) (core.BroadcastMessage, error) {
	return scanMessage(tx.QueryRow(ctx, `SELECT `+messageCols+` FROM broadcast_messages WHERE id=$1 FOR UPDATE`, id))
}

// insertRecipients appends recipients not yet present, keeping their order in seq.
// The caller must hold the message row lock.
func insertRecipients(ctx context.Context, tx pgx.Tx, messageID string, recipients []string) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	var base int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM delivery_records WHERE message_id=$1`, messageID).Scan(&base); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO delivery_records(message_id, recipient_id, seq)
		SELECT $1, r.id, $3 + r.ord
		FROM unnest($2::text[]) WITH ORDINALITY AS r(id, ord)
		ON CONFLICT DO NOTHING
	`, messageID, recipients, base)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) BeginRun(ctx context.Context, r core.RunRequest) (core.RunStart, error) {
	var out core.RunStart
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMessage(ctx, tx, r.MessageID)
		if err != nil {
			return err
		}
		if !slices.Contains(r.From, m.Status) {
			return &core.StateError{Op: r.Op, ID: m.ID, Status: m.Status}
		}
		if m.LiveRun(r.Now) {
			return &core.StateError{Op: r.Op, ID: m.ID, Status: m.Status, Reason: "run in progress"}
		}
		if r.ResetFailed {
			if _, err := resetFailed(ctx, tx, r.MessageID); err != nil {
				return err
			}
		}
		inserted, err := insertRecipients(ctx, tx, r.MessageID, r.Recipients)
		if err != nil {
			return err
		}
		var eligible int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM delivery_records WHERE message_id=$1 AND status='pending'
		`, r.MessageID).Scan(&eligible); err != nil {
			return err
		}
		if r.RequireEligible && eligible == 0 {
			return core.ErrNothingToDo
		}
		m, err = scanMessage(tx.QueryRow(ctx, `
			UPDATE broadcast_messages
			SET status='sending', run_token=$2, run_lease_until=$3, updated_at=$4
			WHERE id=$1
			RETURNING `+messageCols, r.MessageID, r.Token, r.LeaseUntil, r.Now))
		if err != nil {
			return err
		}
		out = core.RunStart{Message: m, Inserted: inserted, Eligible: eligible}
		return nil
	})
	return out, err
}

func (db *DB) RenewRun(ctx context.Context, id, token string, leaseUntil time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE broadcast_messages SET run_lease_until=$3
		WHERE id=$1 AND run_token=$2 AND status='sending'
	`, id, token, leaseUntil)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) FinishRun(ctx context.Context, id, token string, now time.Time) (core.BroadcastMessage, bool, error) {
	var (
		out   core.BroadcastMessage
		owned bool
	)
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status != core.StatusSending || m.RunToken != token {
			out = m
			return nil
		}
		st, err := counts(ctx, tx, id)
		if err != nil {
			return err
		}
		status := m.Status
		switch {
		case st.Pending > 0:
		case st.Failed > 0:
			status = core.StatusFailed
		default:
			status = core.StatusCompleted
		}
		out, err = scanMessage(tx.QueryRow(ctx, `
			UPDATE broadcast_messages
			SET status=$2, run_token=NULL, run_lease_until=NULL, updated_at=$3
			WHERE id=$1
			RETURNING `+messageCols, id, string(status), now))
		owned = err == nil
		return err
	})
	return out, owned, err
}

func (db *DB) ReleaseRun(ctx context.Context, id, token string, now time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE broadcast_messages SET run_token=NULL, run_lease_until=NULL, updated_at=$3
		WHERE id=$1 AND run_token=$2
	`, id, token, now)
	return err
}

func (db *DB) ReapCancelled(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE delivery_records d SET status='skipped', claimed_at=NULL
		FROM broadcast_messages m
		WHERE d.message_id=m.id AND m.status='cancelled' AND d.status='pending'
		  AND (d.claimed_at IS NULL OR d.claimed_at < $1)
	`, claimedBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) CancelMessage(ctx context.Context, id string, now time.Time) (core.BroadcastMessage, int, error) {
	var (
		out     core.BroadcastMessage
		skipped int
	)
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status != core.StatusScheduled && m.Status != core.StatusSending {
			return &core.StateError{Op: "cancel", ID: id, Status: m.Status}
		}
		live := m.LiveRun(now)
		out, err = scanMessage(tx.QueryRow(ctx, `
			UPDATE broadcast_messages
			SET status='cancelled', run_token=NULL, run_lease_until=NULL, updated_at=$2
			WHERE id=$1
			RETURNING `+messageCols, id, now))
		if err != nil {
			return err
		}
		skipped, err = skipPending(ctx, tx, id, !live)
		return err
	})
	return out, skipped, err
}
