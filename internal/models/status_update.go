package models

import (
	"fmt"
	"time"
)

// TaskStatusUpdate is the payload published to NATS on every task
// transition. Publishing is best-effort; the HTTP status API remains the
// contract the polling front-end relies on.
type TaskStatusUpdate struct {
	TaskID    string     `json:"task_id"`
	TokenID   uint64     `json:"token_id"`
	Status    TaskStatus `json:"status"`
	Stage     TaskStage  `json:"stage,omitempty"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewTaskStatusUpdate builds an update from the task's committed state.
func NewTaskStatusUpdate(t *Task) *TaskStatusUpdate {
	return &TaskStatusUpdate{
		TaskID:    t.ID,
		TokenID:   t.TokenID,
		Status:    t.Status,
		Stage:     t.Stage,
		Progress:  t.Progress,
		Message:   t.Message,
		Timestamp: t.UpdatedAt,
	}
}

// String returns a human-readable representation for logs.
func (u *TaskStatusUpdate) String() string {
	return fmt.Sprintf("Task: %s, Token: %d, Status: %s, Stage: %s, Progress: %d",
		u.TaskID, u.TokenID, u.Status, u.Stage, u.Progress)
}
