package models

import "errors"

// Predefined errors for the task store and the API boundary.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("task already exists for this token")
	ErrTaskFinalized = errors.New("task is in a terminal state and cannot be updated")
	ErrStageRegress  = errors.New("task stage cannot move backwards")
	ErrInvalidTaskID = errors.New("invalid task id format")
	ErrUnknownBreed  = errors.New("unknown breed")
)
