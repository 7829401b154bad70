package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"farebox/internal/config"
	"farebox/internal/domain"
	"farebox/internal/events"
	"farebox/internal/payment"
	"farebox/internal/registry"
	"farebox/internal/repo"
)

// PaymentVerifier is the admission gate's view of the payment verifier.
type PaymentVerifier interface {
	Verify(ctx context.Context, proof string, req payment.Requirement) (domain.PaymentReceipt, error)
}

// Engine owns all task mutation: payment-gated admission, the claim/lease
// protocol, progress appends and terminal transitions. The server and the
// dispatcher never touch task rows except through it.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *registry.Registry
	Verifier PaymentVerifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *registry.Registry, verifier PaymentVerifier) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Registry: reg,
		Verifier: verifier,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// PaymentRequirement returns the admission price for a task type, or false
// when the type is free.
func (e Engine) PaymentRequirement(taskType string) (payment.Requirement, bool) {
	if e.Config == nil || e.Config.Free(taskType) {
		return payment.Requirement{}, false
	}
	price := e.Config.Payment.Prices[taskType]
	return payment.Requirement{
		Amount:    price.Amount,
		Currency:  price.Currency,
		Network:   e.Config.Payment.Network,
		Recipient: e.Config.Payment.Recipient,
	}, true
}

// CreateTask is the admission gate: validate input, demand payment for
// protected types, persist the task as pending. Validation failures never
// consume a payment. The call returns as soon as the row exists; execution
// is asynchronous.
func (e Engine) CreateTask(ctx context.Context, taskType string, input map[string]any, paymentProof string) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if err := e.Registry.ValidateInput(taskType, input); err != nil {
		return domain.Task{}, err
	}

	var rcpt domain.PaymentReceipt
	paid := false
	if req, protected := e.PaymentRequirement(taskType); protected {
		var err error
		rcpt, err = e.Verifier.Verify(ctx, paymentProof, req)
		if err != nil {
			return domain.Task{}, err
		}
		paid = true
	}

	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Status:     domain.StatusPending,
		InputData:  input,
		MaxRetries: e.Config.Worker.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Progress:   []domain.ProgressEntry{},
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if paid {
		if err := e.Repo.BindPaymentTask(ctx, tx, rcpt.TxReference, t.ID); err != nil {
			return domain.Task{}, fmt.Errorf("bind payment: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.PaymentConsumed, "payment", rcpt.TxReference, "gate", events.EventPayload{
			"task_id": t.ID,
			"amount":  rcpt.Amount,
			"payer":   rcpt.Payer,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, "task", t.ID, "gate", events.EventPayload{"type": t.Type}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// GetTask returns the full record including the progress log.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// ListTasks returns summaries, most recent first.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// Claim hands the oldest claimable task to workerID under a fresh lease.
// repo.ErrNotFound means nothing is claimable right now.
func (e Engine) Claim(ctx context.Context, workerID string) (domain.Task, error) {
	leaseDur := time.Duration(e.Config.Worker.LeaseSeconds) * time.Second
	t, err := e.Repo.ClaimNextTask(ctx, workerID, leaseDur, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	e.appendEvent(ctx, events.TaskClaimed, "task", t.ID, workerID, events.EventPayload{
		"lease_expires_at": deref(t.LeaseExpires),
	})
	return t, nil
}

// Progress appends one message to the task's progress log on behalf of the
// worker holding the lease.
func (e Engine) Progress(ctx context.Context, taskID, workerID, message string) error {
	return e.Repo.AppendProgress(ctx, taskID, workerID, message, e.now())
}

// Finish records the outcome of one execution attempt by the lease holder.
// A nil execErr completes the task. A retryable execErr requeues while
// budget remains, otherwise fails; a fatal execErr fails immediately.
func (e Engine) Finish(ctx context.Context, taskID, workerID string, result map[string]any, execErr error) error {
	now := e.now()
	if execErr == nil {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.CompleteTask(ctx, tx, taskID, workerID, result, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TaskCompleted, "task", taskID, workerID, nil); err != nil {
			return err
		}
		return tx.Commit()
	}

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	errMsg := execErr.Error()
	switch {
	case registry.IsFatal(execErr):
		if err := e.Repo.FailTask(ctx, tx, taskID, workerID, errMsg, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TaskFailed, "task", taskID, workerID, events.EventPayload{"error": errMsg, "fatal": true}); err != nil {
			return err
		}
	case t.RetryCount < t.MaxRetries:
		if err := e.Repo.RequeueTask(ctx, tx, taskID, workerID, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TaskRequeued, "task", taskID, workerID, events.EventPayload{"error": errMsg, "retry": t.RetryCount + 1}); err != nil {
			return err
		}
	default:
		if err := e.Repo.FailTask(ctx, tx, taskID, workerID, errMsg, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TaskFailed, "task", taskID, workerID, events.EventPayload{"error": errMsg, "retries_exhausted": true}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Cancel is the administrative pending/processing -> cancelled edge.
func (e Engine) Cancel(ctx context.Context, taskID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.CancelTask(ctx, tx, taskID, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCancelled, "task", taskID, "admin", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ReapExpired requeues processing tasks whose lease lapsed, without touching
// their retry budget. A task that keeps losing workers is abandoned once it
// hits the configured stale-requeue limit. Returns how many rows moved.
func (e Engine) ReapExpired(ctx context.Context) (int, error) {
	now := e.now()
	expired, err := e.Repo.ExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, t := range expired {
		if t.LeaseExpires == nil {
			continue
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return moved, err
		}
		if t.StaleRequeues >= e.Config.Worker.AbandonLimit {
			ok, err := e.Repo.AbandonTask(ctx, tx, t.ID, *t.LeaseExpires, now)
			if err == nil && ok {
				err = e.Events.Append(ctx, tx, events.TaskAbandoned, "task", t.ID, "reaper", events.EventPayload{"stale_requeues": t.StaleRequeues})
			}
			if err != nil {
				tx.Rollback()
				return moved, err
			}
			if ok {
				moved++
			}
		} else {
			ok, err := e.Repo.RequeueExpired(ctx, tx, t.ID, *t.LeaseExpires, now)
			if err == nil && ok {
				err = e.Events.Append(ctx, tx, events.TaskRequeued, "task", t.ID, "reaper", events.EventPayload{"stale": true, "stale_requeues": t.StaleRequeues + 1})
			}
			if err != nil {
				tx.Rollback()
				return moved, err
			}
			if ok {
				moved++
			}
		}
		if err := tx.Commit(); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// appendEvent writes a single event in its own transaction; event loss is
// tolerable outside task mutation.
func (e Engine) appendEvent(ctx context.Context, evtType, kind, id, actor string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, kind, id, actor, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
