package recurring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/todo-platform/eventcore/internal/consumer"
)

// TaskCreator spawns the next task instance for a due recurrence.
type TaskCreator interface {
	CreateOccurrence(ctx context.Context, tmpl Template, occurrence time.Time) error
}

// TaskClient creates task instances through the task service's HTTP API.
// The client-supplied task id is derived from (template, occurrence), so
// retried or duplicated calls create one task at most.
type TaskClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewTaskClient(baseURL string) *TaskClient {
	return &TaskClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 4 * time.Second},
	}
}

type createTaskRequest struct {
	TaskID  string    `json:"task_id"`
	UserID  string    `json:"user_id"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"due_date"`
	Source  string    `json:"source"`
}

func (c *TaskClient) CreateOccurrence(ctx context.Context, tmpl Template, occurrence time.Time) error {
	body, err := json.Marshal(createTaskRequest{
		TaskID:  OccurrenceTaskID(tmpl.TaskID, occurrence),
		UserID:  tmpl.UserID,
		Title:   tmpl.Title,
		DueDate: occurrence,
		Source:  "recurrence",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("create occurrence: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// The occurrence already exists from an earlier attempt.
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return consumer.Permanent("task-api-rejected",
			fmt.Errorf("create occurrence: task api returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("create occurrence: task api returned %d", resp.StatusCode)
	}
}

// OccurrenceTaskID names the spawned task deterministically per
// (template, occurrence date).
func OccurrenceTaskID(templateID string, occurrence time.Time) string {
	return fmt.Sprintf("%s-%s", templateID, occurrence.UTC().Format("20060102"))
}
