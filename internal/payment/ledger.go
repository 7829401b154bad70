package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// LedgerTx is a resolved on-chain transaction.
type LedgerTx struct {
	Reference   string    `json:"reference"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Network     string    `json:"network"`
	Confirmed   bool      `json:"confirmed"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Ledger resolves an opaque payment reference to a transaction.
type Ledger interface {
	Resolve(ctx context.Context, reference string) (LedgerTx, error)
}

// HTTPLedger resolves references against a facilitator endpoint
// (GET <base>/tx/<reference>). 404 means the reference does not exist on
// chain; 5xx and transport failures are transient.
type HTTPLedger struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedger{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (l *HTTPLedger) Resolve(ctx context.Context, reference string) (LedgerTx, error) {
	endpoint := fmt.Sprintf("%s/tx/%s", l.BaseURL, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return LedgerTx{}, err
	}
	res, err := l.Client.Do(req)
	if err != nil {
		return LedgerTx{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNotFound:
		return LedgerTx{}, &VerificationError{Reason: ReasonUnconfirmed, Detail: "transaction not found on ledger"}
	case res.StatusCode >= 500:
		return LedgerTx{}, fmt.Errorf("%w: ledger returned %d", ErrLedgerUnavailable, res.StatusCode)
	case res.StatusCode != http.StatusOK:
		return LedgerTx{}, fmt.Errorf("ledger returned unexpected status %d", res.StatusCode)
	}
	var tx LedgerTx
	if err := json.NewDecoder(res.Body).Decode(&tx); err != nil {
		return LedgerTx{}, fmt.Errorf("decode ledger response: %w", err)
	}
	if tx.Reference == "" {
		tx.Reference = reference
	}
	return tx, nil
}
