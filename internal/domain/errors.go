package domain

import (
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// MissingReferenceLocationError is returned when the poster has no recorded
// location, so candidates cannot be measured against anything.
type MissingReferenceLocationError struct {
	TaskID   string
	PosterID string
}

func (e *MissingReferenceLocationError) Error() string {
	return fmt.Sprintf("task %s: poster %s has no recorded location", e.TaskID, e.PosterID)
}

// ConcurrentWriteConflictError is returned when the conditional offer write
// finds the task changed since it was read. The decision must be discarded.
type ConcurrentWriteConflictError struct {
	TaskID           string
	ExpectedNotified string
}

func (e *ConcurrentWriteConflictError) Error() string {
	expected := e.ExpectedNotified
	if expected == "" {
		expected = "<none>"
	}
	return fmt.Sprintf("task %s changed concurrently (expected notified runner %s)", e.TaskID, expected)
}

// TaskNotDispatchableError is returned when a task was accepted or left the
// pending state before an evaluation could act on it.
type TaskNotDispatchableError struct {
	TaskID string
	Status Status
}

func (e *TaskNotDispatchableError) Error() string {
	return fmt.Sprintf("task %s is not dispatchable (status %s)", e.TaskID, e.Status)
}

// LockUnavailableError is returned when another evaluator holds the task lock.
type LockUnavailableError struct {
	TaskID string
	TTL    time.Duration
}

func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("task %s is locked by another evaluator (ttl %s)", e.TaskID, e.TTL)
}
