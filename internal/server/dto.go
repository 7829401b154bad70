package server

import (
	"encoding/json"

	"farebox/internal/domain"
)

// CreateTaskRequest is the admission request body.
type CreateTaskRequest struct {
	Type      string         `json:"type" example:"uber_ride"`
	InputData map[string]any `json:"input_data" jsonschema:"type=object,additionalProperties=true"`
}

// CreateTaskResponse acknowledges an admitted task.
type CreateTaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status" example:"pending"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ProgressEntryResponse is one progress log line.
type ProgressEntryResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// TaskResponse is the full task record.
type TaskResponse struct {
	TaskID       string                  `json:"task_id"`
	Type         string                  `json:"type"`
	Status       string                  `json:"status"`
	InputData    map[string]any          `json:"input_data"`
	Result       map[string]any          `json:"result_data"`
	Progress     []ProgressEntryResponse `json:"progress"`
	ErrorMessage *string                 `json:"error_message,omitempty"`
	RetryCount   int                     `json:"retry_count"`
	MaxRetries   int                     `json:"max_retries"`
	WorkerID     *string                 `json:"worker_id,omitempty"`
	CreatedAt    string                  `json:"created_at"`
	UpdatedAt    string                  `json:"updated_at"`
	StartedAt    *string                 `json:"started_at,omitempty"`
	CompletedAt  *string                 `json:"completed_at,omitempty"`
}

// TaskListResponse wraps task summaries.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Count int            `json:"count"`
}

// EventResponse is one event log row.
type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

func taskResponse(t domain.Task) TaskResponse {
	progress := make([]ProgressEntryResponse, 0, len(t.Progress))
	for _, p := range t.Progress {
		progress = append(progress, ProgressEntryResponse{Message: p.Message, Timestamp: p.Timestamp})
	}
	// The progress log is part of result_data; the top-level field mirrors it.
	result := make(map[string]any, len(t.Result)+1)
	for k, v := range t.Result {
		result[k] = v
	}
	result["progress"] = progress
	return TaskResponse{
		TaskID:       t.ID,
		Type:         t.Type,
		Status:       t.Status,
		InputData:    t.InputData,
		Result:       result,
		Progress:     progress,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		WorkerID:     t.WorkerID,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
