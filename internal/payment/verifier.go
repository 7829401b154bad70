package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"farebox/internal/domain"
	"farebox/internal/repo"
)

// Verification failure reasons, surfaced in the 402 body.
const (
	ReasonNoProof        = "no_proof"
	ReasonUnderpaid      = "underpaid"
	ReasonWrongRecipient = "wrong_recipient"
	ReasonWrongNetwork   = "wrong_network"
	ReasonUnconfirmed    = "unconfirmed"
	ReasonReplayed       = "replayed"
)

// Requirement is what a protected route demands of a payment.
type Requirement struct {
	Amount    string
	Currency  string
	Network   string
	Recipient string
}

// VerificationError is a non-transient rejection of a payment proof.
type VerificationError struct {
	Reason string
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return "payment verification failed: " + e.Reason
	}
	return fmt.Sprintf("payment verification failed: %s: %s", e.Reason, e.Detail)
}

// ErrLedgerUnavailable marks a transient ledger outage; callers retry with
// backoff, the verifier itself retries the resolve once.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// Verifier validates payment proofs against a ledger and records consumed
// references in the spent-set.
type Verifier struct {
	Ledger Ledger
	Repo   repo.Repo
	Now    func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify resolves proof on the ledger, checks it against req, and consumes
// the reference. The spent-set insert is the linearization point: for
// concurrent verifications of the same reference exactly one caller wins.
func (v Verifier) Verify(ctx context.Context, proof string, req Requirement) (domain.PaymentReceipt, error) {
	if strings.TrimSpace(proof) == "" {
		return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonNoProof, Detail: "X-Payment header required"}
	}
	tx, err := v.resolve(ctx, proof)
	if err != nil {
		return domain.PaymentReceipt{}, err
	}
	if !strings.EqualFold(tx.Network, req.Network) {
		return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonWrongNetwork, Detail: fmt.Sprintf("paid on %s, expected %s", tx.Network, req.Network)}
	}
	if !strings.EqualFold(tx.To, req.Recipient) {
		return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonWrongRecipient, Detail: "payment sent to wrong address"}
	}
	if !strings.EqualFold(tx.Currency, req.Currency) {
		return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonUnderpaid, Detail: fmt.Sprintf("paid in %s, expected %s", tx.Currency, req.Currency)}
	}
	if cmp, err := compareAmounts(tx.Amount, req.Amount); err != nil {
		return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonUnderpaid, Detail: err.Error()}
	} else if cmp < 0 {
		return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonUnderpaid, Detail: fmt.Sprintf("paid %s, required %s %s", tx.Amount, req.Amount, req.Currency)}
	}
	if !tx.Confirmed {
		return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonUnconfirmed, Detail: "transaction not yet confirmed"}
	}
	rcpt := domain.PaymentReceipt{
		TxReference: tx.Reference,
		Payer:       tx.From,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Network:     tx.Network,
		Recipient:   tx.To,
		ConfirmedAt: tx.ConfirmedAt.UTC().Format(time.RFC3339),
		ConsumedAt:  v.now().UTC().Format(time.RFC3339),
	}
	if err := v.Repo.SpendPayment(ctx, rcpt); err != nil {
		if errors.Is(err, repo.ErrPaymentSpent) {
			return domain.PaymentReceipt{}, &VerificationError{Reason: ReasonReplayed, Detail: "payment reference already used"}
		}
		return domain.PaymentReceipt{}, err
	}
	return rcpt, nil
}

// resolve retries once on a transient ledger failure.
func (v Verifier) resolve(ctx context.Context, proof string) (LedgerTx, error) {
	tx, err := v.Ledger.Resolve(ctx, proof)
	if errors.Is(err, ErrLedgerUnavailable) {
		tx, err = v.Ledger.Resolve(ctx, proof)
	}
	if errors.Is(err, ErrLedgerUnavailable) {
		return LedgerTx{}, err
	}
	if err != nil {
		return LedgerTx{}, fmt.Errorf("resolve payment %s: %w", proof, err)
	}
	return tx, nil
}

func compareAmounts(paid, required string) (int, error) {
	p, ok := new(big.Rat).SetString(paid)
	if !ok {
		return 0, fmt.Errorf("unparseable paid amount %q", paid)
	}
	r, ok := new(big.Rat).SetString(required)
	if !ok {
		return 0, fmt.Errorf("unparseable required amount %q", required)
	}
	return p.Cmp(r), nil
}
