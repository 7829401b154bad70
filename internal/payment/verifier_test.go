package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"farebox/internal/db"
	"farebox/internal/migrate"
	"farebox/internal/payment"
	"farebox/internal/repo"
)

type fakeLedger struct {
	txs      map[string]payment.LedgerTx
	failures int
	calls    int
}

func (f *fakeLedger) Resolve(ctx context.Context, reference string) (payment.LedgerTx, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return payment.LedgerTx{}, payment.ErrLedgerUnavailable
	}
	tx, ok := f.txs[reference]
	if !ok {
		return payment.LedgerTx{}, &payment.VerificationError{Reason: payment.ReasonUnconfirmed, Detail: "transaction not found on ledger"}
	}
	return tx, nil
}

const (
	recipient = "0xRecipient"
	payer     = "0xPayer"
)

func requirement() payment.Requirement {
	return payment.Requirement{Amount: "0.001", Currency: "ETH", Network: "base", Recipient: recipient}
}

func goodTx(ref string) payment.LedgerTx {
	return payment.LedgerTx{
		Reference:   ref,
		From:        payer,
		To:          recipient,
		Amount:      "0.001",
		Currency:    "ETH",
		Network:     "base",
		Confirmed:   true,
		ConfirmedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newVerifier(t *testing.T, ledger *fakeLedger) payment.Verifier {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return payment.Verifier{Ledger: ledger, Repo: repo.Repo{DB: conn}}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var ve *payment.VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want VerificationError", err)
	}
	return ve.Reason
}

func TestVerifyAcceptsValidProof(t *testing.T) {
	ledger := &fakeLedger{txs: map[string]payment.LedgerTx{"0xaaa": goodTx("0xaaa")}}
	v := newVerifier(t, ledger)
	rcpt, err := v.Verify(context.Background(), "0xaaa", requirement())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rcpt.TxReference != "0xaaa" || rcpt.Payer != payer {
		t.Fatalf("receipt = %+v", rcpt)
	}
	stored, err := v.Repo.GetPayment(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("receipt not persisted: %v", err)
	}
	if stored.Amount != "0.001" {
		t.Fatalf("stored amount = %s", stored.Amount)
	}
}

func TestVerifyOverpaymentAccepted(t *testing.T) {
	tx := goodTx("0xbbb")
	tx.Amount = "0.002"
	v := newVerifier(t, &fakeLedger{txs: map[string]payment.LedgerTx{"0xbbb": tx}})
	if _, err := v.Verify(context.Background(), "0xbbb", requirement()); err != nil {
		t.Fatalf("overpayment rejected: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*payment.LedgerTx)
		reason string
	}{
		{"underpaid", func(tx *payment.LedgerTx) { tx.Amount = "0.0005" }, payment.ReasonUnderpaid},
		{"wrong currency", func(tx *payment.LedgerTx) { tx.Currency = "USDC" }, payment.ReasonUnderpaid},
		{"wrong recipient", func(tx *payment.LedgerTx) { tx.To = "0xSomeoneElse" }, payment.ReasonWrongRecipient},
		{"wrong network", func(tx *payment.LedgerTx) { tx.Network = "ethereum" }, payment.ReasonWrongNetwork},
		{"unconfirmed", func(tx *payment.LedgerTx) { tx.Confirmed = false }, payment.ReasonUnconfirmed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := goodTx("0xccc")
			tc.mutate(&tx)
			v := newVerifier(t, &fakeLedger{txs: map[string]payment.LedgerTx{"0xccc": tx}})
			_, err := v.Verify(context.Background(), "0xccc", requirement())
			if got := reasonOf(t, err); got != tc.reason {
				t.Fatalf("reason = %s, want %s", got, tc.reason)
			}
		})
	}
}

func TestVerifyCaseInsensitiveAddressMatch(t *testing.T) {
	tx := goodTx("0xddd")
	tx.To = "0XRECIPIENT"
	v := newVerifier(t, &fakeLedger{txs: map[string]payment.LedgerTx{"0xddd": tx}})
	if _, err := v.Verify(context.Background(), "0xddd", requirement()); err != nil {
		t.Fatalf("checksum-cased address rejected: %v", err)
	}
}

func TestVerifyNoProof(t *testing.T) {
	v := newVerifier(t, &fakeLedger{})
	_, err := v.Verify(context.Background(), "   ", requirement())
	if got := reasonOf(t, err); got != payment.ReasonNoProof {
		t.Fatalf("reason = %s, want no_proof", got)
	}
}

func TestVerifyUnknownReference(t *testing.T) {
	v := newVerifier(t, &fakeLedger{txs: map[string]payment.LedgerTx{}})
	_, err := v.Verify(context.Background(), "0xmissing", requirement())
	if got := reasonOf(t, err); got != payment.ReasonUnconfirmed {
		t.Fatalf("reason = %s, want unconfirmed", got)
	}
}

func TestVerifyReplayRejected(t *testing.T) {
	ledger := &fakeLedger{txs: map[string]payment.LedgerTx{"0xeee": goodTx("0xeee")}}
	v := newVerifier(t, ledger)
	if _, err := v.Verify(context.Background(), "0xeee", requirement()); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := v.Verify(context.Background(), "0xeee", requirement())
	if got := reasonOf(t, err); got != payment.ReasonReplayed {
		t.Fatalf("reason = %s, want replayed", got)
	}
}

func TestVerifyConcurrentReplaySingleWinner(t *testing.T) {
	ledger := &fakeLedger{txs: map[string]payment.LedgerTx{"0xfff": goodTx("0xfff")}}
	v := newVerifier(t, ledger)
	const attempts = 8
	var wg sync.WaitGroup
	okCount := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Verify(context.Background(), "0xfff", requirement()); err == nil {
				okCount <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(okCount)
	wins := 0
	for range okCount {
		wins++
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestVerifyRetriesTransientLedgerFailure(t *testing.T) {
	ledger := &fakeLedger{txs: map[string]payment.LedgerTx{"0xggg": goodTx("0xggg")}, failures: 1}
	v := newVerifier(t, ledger)
	if _, err := v.Verify(context.Background(), "0xggg", requirement()); err != nil {
		t.Fatalf("single outage not retried: %v", err)
	}
	if ledger.calls != 2 {
		t.Fatalf("ledger calls = %d, want 2", ledger.calls)
	}
}

func TestVerifyLedgerDown(t *testing.T) {
	ledger := &fakeLedger{failures: 2}
	v := newVerifier(t, ledger)
	_, err := v.Verify(context.Background(), "0xhhh", requirement())
	if !errors.Is(err, payment.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
}
