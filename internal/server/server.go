package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"farebox/internal/engine"
	"farebox/internal/payment"
	"farebox/internal/registry"
	"farebox/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"missing required field(s) from_address"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// paymentRequiredError is the 402 challenge body. It carries everything a
// client needs to settle: price, asset, network, and the payee address.
type paymentRequiredError struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Network   string `json:"network"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
}

func (e *paymentRequiredError) GetStatus() int { return http.StatusPaymentRequired }
func (e *paymentRequiredError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Farebox API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Farebox API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// paymentChallenge builds the 402 body for a task type, optionally tagged
// with the reason a submitted proof was rejected.
func paymentChallenge(e engine.Engine, taskType, reason string) huma.StatusError {
	req, _ := e.PaymentRequirement(taskType)
	msg := "Payment required"
	if reason != "" {
		msg = fmt.Sprintf("Payment rejected: %s", reason)
	}
	return &paymentRequiredError{
		Amount:    req.Amount,
		Currency:  req.Currency,
		Network:   req.Network,
		Recipient: req.Recipient,
		Message:   msg,
		Reason:    reason,
	}
}

func handleError(e engine.Engine, taskType string, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *payment.VerificationError
	if errors.As(err, &ve) {
		return paymentChallenge(e, taskType, ve.Reason)
	}
	if errors.Is(err, payment.ErrLedgerUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", "payment ledger unavailable, retry later", nil)
	}
	var ie *registry.ValidationError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", ie.Error(), map[string]any{"fields": ie.Fields})
	}
	if errors.Is(err, registry.ErrUnknownType) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusPaymentRequired:
		return "payment_required"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks/create",
		Summary:       "Create task",
		Description:   "Admit a task into the queue. Protected types demand an X-Payment proof and answer 402 until one verifies.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Payment string            `header:"X-Payment" doc:"Payment proof: a ledger transaction reference"`
		Body    CreateTaskRequest `json:"body"`
	}) (*struct {
		Body CreateTaskResponse `json:"body"`
	}, error) {
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		t, err := e.CreateTask(ctx, input.Body.Type, input.Body.InputData, strings.TrimSpace(input.Payment))
		if err != nil {
			return nil, handleError(e, input.Body.Type, err)
		}
		return &struct {
			Body CreateTaskResponse `json:"body"`
		}{Body: CreateTaskResponse{
			TaskID:  t.ID,
			Status:  t.Status,
			Type:    t.Type,
			Message: "Task accepted for processing",
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(e, "", err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status: input.Status,
			Type:   input.Type,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(e, "", err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: mapTasks(items), Count: len(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" minimum:"0"`
		Limit int   `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.EventsAfter(ctx, limit, input.After)
		if err != nil {
			return nil, handleError(e, "", err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
