package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AutomationClient calls the browser-automation service that carries out
// the real-world side of each task.
type AutomationClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewAutomationClient(baseURL string, timeout time.Duration) *AutomationClient {
	return &AutomationClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// AutomationError wraps non-2xx responses from the automation service.
type AutomationError struct {
	StatusCode int
	Body       string
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("automation error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *AutomationClient) post(ctx context.Context, endpoint string, body any, out any) error {
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &AutomationError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
