package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status lifecycle: QUEUED -> ASSIGNED -> {SENT, DELIVERED, FAILED}, SENT -> {DELIVERED, FAILED}.
// ASSIGNED returns to QUEUED only through stale reclamation or a refused push.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusAssigned  TaskStatus = "ASSIGNED"
	TaskStatusSent      TaskStatus = "SENT"
	TaskStatusDelivered TaskStatus = "DELIVERED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusAssigned, TaskStatusSent, TaskStatusDelivered, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further report may move the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDelivered || s == TaskStatusFailed
}

// Earning reports whether entering s credits the worker.
func (s TaskStatus) Earning() bool {
	return s == TaskStatusSent || s == TaskStatusDelivered
}

// CanTransition reports whether a worker report may move a task from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusAssigned:
		return next == TaskStatusSent || next == TaskStatusDelivered || next == TaskStatusFailed
	case TaskStatusSent:
		return next == TaskStatusDelivered || next == TaskStatusFailed
	}
	return false
}

type Task struct {
	ID               uuid.UUID  `json:"id"`
	Recipient        string     `json:"recipient"`
	Message          string     `json:"message"`
	ClientID         string     `json:"client_id"`
	Priority         int        `json:"priority"`
	Status           TaskStatus `json:"status"`
	AssignedUserID   *uuid.UUID `json:"assigned_user_id,omitempty"`
	AssignedDeviceID *uuid.UUID `json:"assigned_device_id,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AssignedTo reports whether the task is currently bound to (userID, deviceID).
func (t *Task) AssignedTo(userID, deviceID uuid.UUID) bool {
	return t.AssignedUserID != nil && t.AssignedDeviceID != nil &&
		*t.AssignedUserID == userID && *t.AssignedDeviceID == deviceID
}

// NewTask is the input for task creation.
type NewTask struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	ClientID  string `json:"client_id"`
	Priority  int    `json:"priority"`
}

// ReclaimedTask describes a task returned to QUEUED by the stale sweep,
// together with the device that lost it.
type ReclaimedTask struct {
	ID               uuid.UUID
	Priority         int
	PreviousDeviceID uuid.UUID
}
