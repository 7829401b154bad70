package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"farebox/internal/domain"
)

// ErrPaymentSpent is returned when a tx reference is already in the
// spent-set. The primary key on payments.tx_reference makes the
// check-and-record step atomic across concurrent verifiers.
var ErrPaymentSpent = errors.New("payment reference already spent")

// SpendPayment records a verified payment reference as consumed. Exactly one
// caller can win for a given reference.
func (r Repo) SpendPayment(ctx context.Context, rcpt domain.PaymentReceipt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payments(tx_reference,payer,amount,currency,network,recipient,confirmed_at,consumed_at,task_id)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rcpt.TxReference, rcpt.Payer, rcpt.Amount, rcpt.Currency, rcpt.Network, rcpt.Recipient,
		rcpt.ConfirmedAt, rcpt.ConsumedAt, nullable(rcpt.TaskID))
	if err != nil && isUniqueViolation(err) {
		return ErrPaymentSpent
	}
	return err
}

// BindPaymentTask links a consumed receipt to the task it admitted.
func (r Repo) BindPaymentTask(ctx context.Context, tx *sql.Tx, txReference, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE payments SET task_id=? WHERE tx_reference=?`, taskID, txReference)
	return err
}

// GetPayment returns a consumed receipt by reference.
func (r Repo) GetPayment(ctx context.Context, txReference string) (domain.PaymentReceipt, error) {
	var rcpt domain.PaymentReceipt
	var taskID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT tx_reference,payer,amount,currency,network,recipient,confirmed_at,consumed_at,task_id
FROM payments WHERE tx_reference=?`, txReference).
		Scan(&rcpt.TxReference, &rcpt.Payer, &rcpt.Amount, &rcpt.Currency, &rcpt.Network, &rcpt.Recipient,
			&rcpt.ConfirmedAt, &rcpt.ConsumedAt, &taskID)
	if err == sql.ErrNoRows {
		return rcpt, ErrNotFound
	}
	if taskID.Valid {
		rcpt.TaskID = taskID.String
	}
	return rcpt, err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT as a plain error string.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json
FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEvents returns the newest events first, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json
FROM events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
