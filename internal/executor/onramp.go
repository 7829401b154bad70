package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"farebox/internal/registry"
)

const onrampBaseURL = "https://www.coinbase.com/onramp"

// CoinbaseOnramp creates a single-use Coinbase onramp session and returns
// its launch URL. Each URL is invalidated on first open, so every task
// mints a fresh session.
type CoinbaseOnramp struct {
	APIKeyID     string
	APIKeySecret string
	Host         string
	Path         string
	HTTPClient   *http.Client
	Now          func() time.Time
}

func NewCoinbaseOnramp(apiKeyID, apiKeySecret, host, path string, timeout time.Duration) *CoinbaseOnramp {
	return &CoinbaseOnramp{
		APIKeyID:     apiKeyID,
		APIKeySecret: apiKeySecret,
		Host:         host,
		Path:         path,
		HTTPClient:   &http.Client{Timeout: timeout},
		Now:          time.Now,
	}
}

type onrampSession struct {
	SessionToken string `json:"sessionToken"`
}

func (c *CoinbaseOnramp) Execute(ctx context.Context, input map[string]any, report registry.ProgressFunc) (map[string]any, error) {
	if c.APIKeyID == "" || c.APIKeySecret == "" {
		return nil, registry.Fatal(fmt.Errorf("onramp credentials not configured"))
	}

	report("Creating onramp session")

	token, err := c.signRequest(http.MethodPost, c.Path)
	if err != nil {
		return nil, registry.Fatal(fmt.Errorf("sign onramp request: %w", err))
	}

	payload := map[string]any{
		"purchaseCurrency":   input["purchase_currency"],
		"destinationNetwork": input["destination_network"],
		"destinationAddress": input["destination_address"],
		"paymentAmount":      input["payment_amount"],
		"paymentCurrency":    input["payment_currency"],
		"paymentMethod":      input["payment_method"],
		"country":            input["country"],
		"subdivision":        input["subdivision"],
		"redirectUrl":        input["redirect_url"],
		"clientIp":           input["client_ip"],
		"partnerUserRef":     input["partner_user_ref"],
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+c.Host+c.Path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		report(fmt.Sprintf("Error: %s", err))
		return nil, fmt.Errorf("create onramp session: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("create onramp session: HTTP %d: %s", resp.StatusCode, body)
		// Auth failures will not heal on retry.
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, registry.Fatal(err)
		}
		return nil, err
	}

	var session onrampSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("decode onramp session: %w", err)
	}
	if session.SessionToken == "" {
		return nil, fmt.Errorf("onramp session missing token")
	}

	launch := onrampBaseURL + "?" + url.Values{"sessionToken": {session.SessionToken}}.Encode()
	report("Onramp session created")

	var sessionData map[string]any
	_ = json.Unmarshal(body, &sessionData)
	return map[string]any{
		"success":      true,
		"onramp_url":   launch,
		"session_data": sessionData,
	}, nil
}

// signRequest builds the short-lived CDP bearer token for one REST call.
func (c *CoinbaseOnramp) signRequest(method, path string) (string, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(c.APIKeySecret))
	if err != nil {
		return "", fmt.Errorf("parse api key secret: %w", err)
	}
	now := c.Now()
	claims := jwt.MapClaims{
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"sub": c.APIKeyID,
		"uri": fmt.Sprintf("%s %s%s", method, c.Host, path),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.APIKeyID
	token.Header["nonce"] = strconv.FormatInt(now.UnixMilli(), 10)
	return token.SignedString(key)
}
