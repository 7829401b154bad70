package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"farebox/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost is returned when a worker tries to finish a task it no
	// longer holds (lease expired and the task was requeued or reclaimed).
	ErrLeaseLost = errors.New("lease lost")
)

const taskColumns = `id,type,status,input_data,result_data,error_message,retry_count,max_retries,stale_requeues,worker_id,lease_expires_at,created_at,updated_at,started_at,completed_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var t domain.Task
	var inputJSON string
	var resultJSON, errMsg, workerID, leaseExpires, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.Status, &inputJSON, &resultJSON, &errMsg, &t.RetryCount, &t.MaxRetries, &t.StaleRequeues,
		&workerID, &leaseExpires, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(inputJSON), &t.InputData); err != nil {
		return t, fmt.Errorf("task %s input_data: %w", t.ID, err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return t, fmt.Errorf("task %s result_data: %w", t.ID, err)
		}
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if workerID.Valid {
		t.WorkerID = &workerID.String
	}
	if leaseExpires.Valid {
		t.LeaseExpires = &leaseExpires.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	inputJSON, err := json.Marshal(t.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,type,status,input_data,retry_count,max_retries,stale_requeues,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Status, string(inputJSON), t.RetryCount, t.MaxRetries, t.StaleRequeues, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask returns the full task record including its progress log.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Progress, err = r.ListProgress(ctx, t.ID)
	return t, err
}

// ListProgress returns the append-only progress log in append order.
func (r Repo) ListProgress(ctx context.Context, taskID string) ([]domain.ProgressEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,message,ts FROM task_progress WHERE task_id=? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []domain.ProgressEntry{}
	for rows.Next() {
		var e domain.ProgressEntry
		if err := rows.Scan(&e.Seq, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendProgress inserts one progress entry. Entries are never updated or
// deleted; ordering comes from the autoincrement seq. The insert is
// conditional on workerID still holding the row, so a worker whose lease
// was reaped cannot interleave messages into a reclaimed task.
func (r Repo) AppendProgress(ctx context.Context, taskID, workerID, message string, ts time.Time) error {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO task_progress(task_id,message,ts)
SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM tasks WHERE id=? AND status='processing' AND worker_id=?)`,
		taskID, message, ts.UTC().Format(time.RFC3339Nano), taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, taskID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrLeaseLost
	}
	return nil
}

type TaskFilters struct {
	Status string
	Type   string
	Limit  int
}

// ListTasks returns task summaries, most recent first. Progress logs are not
// loaded; use GetTask for the full record.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// claimCandidate is one row a claimer may try to take.
type claimCandidate struct {
	id      string
	expired bool
}

// ClaimNextTask atomically claims the oldest claimable task for workerID:
// either a pending task, or a processing task whose lease expired and whose
// stale-requeue budget is not exhausted. The transition is a conditional
// UPDATE keyed on the observed status and lease expiry; losing the race
// costs one retry of the candidate select, never a double claim.
func (r Repo) ClaimNextTask(ctx context.Context, workerID string, lease time.Duration, now time.Time) (domain.Task, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	expires := now.UTC().Add(lease).Format(time.RFC3339)
	for attempt := 0; attempt < 5; attempt++ {
		cand, err := r.nextClaimable(ctx, nowStr)
		if err != nil {
			return domain.Task{}, err
		}
		if cand == nil {
			return domain.Task{}, ErrNotFound
		}
		var res sql.Result
		if cand.expired {
			res, err = r.DB.ExecContext(ctx, `UPDATE tasks
SET status='processing', worker_id=?, lease_expires_at=?, stale_requeues=stale_requeues+1, updated_at=?, started_at=COALESCE(started_at,?)
WHERE id=? AND status='processing' AND lease_expires_at<?`,
				workerID, expires, nowStr, nowStr, cand.id, nowStr)
		} else {
			res, err = r.DB.ExecContext(ctx, `UPDATE tasks
SET status='processing', worker_id=?, lease_expires_at=?, updated_at=?, started_at=COALESCE(started_at,?)
WHERE id=? AND status='pending'`,
				workerID, expires, nowStr, nowStr, cand.id)
		}
		if err != nil {
			return domain.Task{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.GetTask(ctx, cand.id)
		}
		// Another worker won this row; pick again.
	}
	return domain.Task{}, ErrNotFound
}

func (r Repo) nextClaimable(ctx context.Context, nowStr string) (*claimCandidate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, status FROM tasks
WHERE status='pending'
   OR (status='processing' AND lease_expires_at<? AND stale_requeues<?)
ORDER BY created_at ASC, id ASC LIMIT 1`, nowStr, claimAbandonLimit)
	var id, status string
	err := row.Scan(&id, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claimCandidate{id: id, expired: status == "processing"}, nil
}

// claimAbandonLimit bounds lease-expiry takeovers during claim; the reaper
// applies the configured limit, this is only the hard backstop.
const claimAbandonLimit = 100

// CompleteTask finishes a task successfully. Conditional on workerID still
// holding the row, so a worker whose lease was reaped cannot overwrite a
// reclaimed task.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, taskID, workerID string, result map[string]any, now time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET status='completed', result_data=?, completed_at=?, updated_at=?, worker_id=NULL, lease_expires_at=NULL
WHERE id=? AND status='processing' AND worker_id=?`,
		string(resultJSON), nowStr, nowStr, taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueTask increments retry_count and returns the task to pending.
// Conditional on the caller still holding the lease.
func (r Repo) RequeueTask(ctx context.Context, tx *sql.Tx, taskID, workerID string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET status='pending', retry_count=retry_count+1, updated_at=?, worker_id=NULL, lease_expires_at=NULL
WHERE id=? AND status='processing' AND worker_id=? AND retry_count<max_retries`,
		nowStr, taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FailTask marks a task failed with a terminal error message. retry_count is
// left as is; it never exceeds max_retries.
func (r Repo) FailTask(ctx context.Context, tx *sql.Tx, taskID, workerID, errMsg string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET status='failed', error_message=?, completed_at=?, updated_at=?, worker_id=NULL, lease_expires_at=NULL
WHERE id=? AND status='processing' AND worker_id=?`,
		errMsg, nowStr, nowStr, taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CancelTask is the administrative pending/processing -> cancelled edge.
// Any held lease is orphaned.
func (r Repo) CancelTask(ctx context.Context, tx *sql.Tx, taskID string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET status='cancelled', completed_at=?, updated_at=?, worker_id=NULL, lease_expires_at=NULL
WHERE id=? AND status IN ('pending','processing')`,
		nowStr, nowStr, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredLeases lists processing tasks whose lease has lapsed.
func (r Repo) ExpiredLeases(ctx context.Context, now time.Time) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status='processing' AND lease_expires_at<?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// RequeueExpired returns one expired-lease task to pending without touching
// retry_count; a stalled worker is not a task failure. The conditional on
// the observed lease expiry makes the requeue single-shot per expiry.
func (r Repo) RequeueExpired(ctx context.Context, tx *sql.Tx, taskID, observedExpiry string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET status='pending', stale_requeues=stale_requeues+1, updated_at=?, worker_id=NULL, lease_expires_at=NULL
WHERE id=? AND status='processing' AND lease_expires_at=?`,
		nowStr, taskID, observedExpiry)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// AbandonTask fails a task that kept losing workers. Terminal, does not
// consume retry budget.
func (r Repo) AbandonTask(ctx context.Context, tx *sql.Tx, taskID, observedExpiry string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET status='failed', error_message='task abandoned: lease expired repeatedly without completion', completed_at=?, updated_at=?, worker_id=NULL, lease_expires_at=NULL
WHERE id=? AND status='processing' AND lease_expires_at=?`,
		nowStr, nowStr, taskID, observedExpiry)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CountTasksByStatus returns status -> count over all tasks.
func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
