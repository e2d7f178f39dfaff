package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordCols = `message_id, recipient_id, seq, status, attempt_count, last_error, last_attempted_at, claimed_at`

func scanRecord(row pgx.Row) (core.DeliveryRecord, error) {
	var (
		r      core.DeliveryRecord
		status string
	)
	err := row.Scan(&r.MessageID, &r.RecipientID, &r.Seq, &status, &r.AttemptCount, &r.LastError, &r.LastAttemptedAt, &r.ClaimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.DeliveryRecord{}, core.ErrNotFound
	}
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	r.Status = core.DeliveryStatus(status)
	return r, nil
}

func collectRecords(rows pgx.Rows) ([]core.DeliveryRecord, error) {
	defer rows.Close()
	var out []core.DeliveryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) Initialize(ctx context.Context, messageID string, recipients []string) (int, error) {
	var n int
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockMessage(ctx, tx, messageID); err != nil {
			return err
		}
		var err error
		n, err = insertRecipients(ctx, tx, messageID, recipients)
		return err
	})
	return n, err
}

func (db *DB) ListByStatus(_ context.Context, messageID string, status core.DeliveryStatus, pageSize int) core.RecordIterator {
	return core.NewPagedIterator(func(ctx context.Context, after int64, limit int) ([]core.DeliveryRecord, error) {
		return db.FetchAfter(ctx, messageID, status, after, limit)
	}, pageSize)
}

func (db *DB) FetchAfter(ctx context.Context, messageID string, status core.DeliveryStatus, afterSeq int64, limit int) ([]core.DeliveryRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+recordCols+` FROM delivery_records
		WHERE message_id=$1 AND status=$2 AND seq > $3
		ORDER BY seq
		LIMIT $4
	`, messageID, string(status), afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (db *DB) ListDeliveries(ctx context.Context, messageID string, status *core.DeliveryStatus, p core.Page) ([]core.DeliveryRecord, error) {
	q := `SELECT ` + recordCols + ` FROM delivery_records WHERE message_id=$1`
	args := []any{messageID}
	idx := 2
	if status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, string(*status))
		idx++
	}
	q += fmt.Sprintf(" ORDER BY seq LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, p.Limit, p.Offset)
	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (db *DB) Claim(ctx context.Context, messageID, recipientID, runToken string, now time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE delivery_records SET claimed_at=$4
		WHERE message_id=$1 AND recipient_id=$2 AND status='pending' AND claimed_at IS NULL
		  AND EXISTS (
			SELECT 1 FROM broadcast_messages
			WHERE id=$1 AND run_token=$3 AND status='sending'
			FOR SHARE
		  )
	`, messageID, recipientID, runToken, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) ReleaseClaims(ctx context.Context, messageID string) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE delivery_records SET claimed_at=NULL
		WHERE message_id=$1 AND claimed_at IS NOT NULL
	`, messageID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// exists distinguishes "no such record" from "record not in the expected state".
func (db *DB) exists(ctx context.Context, messageID, recipientID string) error {
	var one int
	err := db.Pool.QueryRow(ctx, `SELECT 1 FROM delivery_records WHERE message_id=$1 AND recipient_id=$2`, messageID, recipientID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

func (db *DB) MarkSent(ctx context.Context, messageID, recipientID string, now time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE delivery_records
		SET status='sent', attempt_count=attempt_count+1, last_attempted_at=$3, claimed_at=NULL
		WHERE message_id=$1 AND recipient_id=$2 AND status='pending'
	`, messageID, recipientID, now)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.exists(ctx, messageID, recipientID)
}

func (db *DB) MarkFailed(ctx context.Context, messageID, recipientID, errMsg string, final bool, now time.Time) (core.DeliveryRecord, error) {
	rec, err := scanRecord(db.Pool.QueryRow(ctx, `
		UPDATE delivery_records
		SET attempt_count=attempt_count+1, last_error=$3, last_attempted_at=$5, claimed_at=NULL,
		    status = CASE WHEN $4 THEN 'failed' ELSE status END
		WHERE message_id=$1 AND recipient_id=$2 AND status='pending'
		RETURNING `+recordCols, messageID, recipientID, errMsg, final, now))
	if !errors.Is(err, core.ErrNotFound) {
		return rec, err
	}
	// Not pending any more (sent, skipped): report the current record untouched.
	return scanRecord(db.Pool.QueryRow(ctx, `
		SELECT `+recordCols+` FROM delivery_records WHERE message_id=$1 AND recipient_id=$2
	`, messageID, recipientID))
}

func (db *DB) MarkSkipped(ctx context.Context, messageID, recipientID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE delivery_records SET status='skipped', claimed_at=NULL
		WHERE message_id=$1 AND recipient_id=$2 AND status='pending'
	`, messageID, recipientID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.exists(ctx, messageID, recipientID)
}

func skipPending(ctx context.Context, q querier, messageID string, includeClaimed bool) (int, error) {
	tag, err := q.Exec(ctx, `
		UPDATE delivery_records SET status='skipped', claimed_at=NULL
		WHERE message_id=$1 AND status='pending' AND ($2 OR claimed_at IS NULL)
	`, messageID, includeClaimed)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) SkipPending(ctx context.Context, messageID string, includeClaimed bool) (int, error) {
	return skipPending(ctx, db.Pool, messageID, includeClaimed)
}

func resetFailed(ctx context.Context, q querier, messageID string) (int, error) {
	tag, err := q.Exec(ctx, `
		UPDATE delivery_records SET status='pending', claimed_at=NULL
		WHERE message_id=$1 AND status='failed'
	`, messageID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) ResetFailed(ctx context.Context, messageID string) (int, error) {
	return resetFailed(ctx, db.Pool, messageID)
}

// counts aggregates in one statement so the four buckets always sum to total.
func counts(ctx context.Context, q querier, messageID string) (core.Stats, error) {
	var sent, failed, pending, skipped int
	err := q.QueryRow(ctx, `
		SELECT
		  COUNT(*) FILTER (WHERE status='sent'),
		  COUNT(*) FILTER (WHERE status='failed'),
		  COUNT(*) FILTER (WHERE status='pending'),
		  COUNT(*) FILTER (WHERE status='skipped')
		FROM delivery_records
		WHERE message_id = $1
	`, messageID).Scan(&sent, &failed, &pending, &skipped)
	if err != nil {
		return core.Stats{}, err
	}
	return core.NewStats(sent, failed, pending, skipped), nil
}

func (db *DB) Counts(ctx context.Context, messageID string) (core.Stats, error) {
	return counts(ctx, db.Pool, messageID)
}
