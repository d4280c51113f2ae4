package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/auth"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/services"
)

// TaskService creates and reads tasks.
type TaskService interface {
	CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error)
	BulkCreate(ctx context.Context, in []models.NewTask) ([]*models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

// StatusReporter applies worker outcome reports.
type StatusReporter interface {
	ReportStatus(ctx context.Context, r services.StatusReport) (*models.Task, error)
}

// Notifier is told how many tasks were just queued so it can push them.
type Notifier interface {
	Notify(n int)
}

// TaskHandler serves /tasks and /admin/tasks.
type TaskHandler struct {
	Tasks     TaskService
	Lifecycle StatusReporter
	Notifier  Notifier
	Validator *services.Validator
	Logger    *slog.Logger
}

// --- POST /admin/tasks ---

// CreateTask validates, stores and enqueues one task, then nudges the
// dispatcher.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	var in models.NewTask
	if err := h.Validator.Decode(services.SchemaTask, body, &in); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	task, err := h.Tasks.CreateTask(r.Context(), in)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if h.Notifier != nil {
		h.Notifier.Notify(1)
	}
	writeJSON(w, http.StatusCreated, task)
}

// --- POST /admin/tasks/bulk ---

type bulkCreateRequest struct {
	Tasks []models.NewTask `json:"tasks"`
}

type bulkCreateResponse struct {
	Count int            `json:"count"`
	Tasks []*models.Task `json:"tasks"`
}

// BulkCreate is all or nothing: one invalid item rejects the request.
func (h *TaskHandler) BulkCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	var req bulkCreateRequest
	if err := h.Validator.Decode(services.SchemaBulk, body, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	tasks, err := h.Tasks.BulkCreate(r.Context(), req.Tasks)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if h.Notifier != nil {
		h.Notifier.Notify(len(tasks))
	}
	h.Logger.Info("bulk tasks created", "count", len(tasks))
	writeJSON(w, http.StatusCreated, bulkCreateResponse{Count: len(tasks), Tasks: tasks})
}

// --- POST /tasks/{taskID}/status ---

type reportStatusRequest struct {
	Status       models.TaskStatus `json:"status"`
	DeviceID     uuid.UUID         `json:"device_id"`
	ErrorMessage *string           `json:"error_message"`
}

func (h *TaskHandler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	taskID, err := uuidParam(r, "taskID")
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	var req reportStatusRequest
	if err := h.Validator.Decode(services.SchemaStatus, body, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	task, err := h.Lifecycle.ReportStatus(r.Context(), services.StatusReport{
		TaskID:       taskID,
		UserID:       id.UserID,
		DeviceID:     req.DeviceID,
		Status:       req.Status,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- GET /tasks/{taskID} ---

// GetTask is visible to admins and to the worker the task is assigned to.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	taskID, err := uuidParam(r, "taskID")
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	task, err := h.Tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if id.Role != auth.RoleAdmin && (task.AssignedUserID == nil || *task.AssignedUserID != id.UserID) {
		writeError(w, h.Logger, r, apperr.NotFound(apperr.CodeTaskNotFound, "task not found"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}
