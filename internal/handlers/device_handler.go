package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/presence"
)

const streamKeepAlive = 25 * time.Second

// Puller hands out work to a device.
type Puller interface {
	GetNextTask(ctx context.Context, userID, deviceID uuid.UUID) (*models.Task, error)
	GetBatchTasks(ctx context.Context, userID, deviceID uuid.UUID, roundLimit int) ([]*models.Task, error)
}

// Presence is the connection side of the push channel.
type Presence interface {
	Connect(ctx context.Context, deviceID uuid.UUID) (*presence.Conn, error)
	Disconnect(ctx context.Context, c *presence.Conn)
	ReportStatus(ctx context.Context, deviceID uuid.UUID, online bool) error
	Heartbeat(ctx context.Context, deviceID uuid.UUID) error
}

// DeviceHandler serves /devices/{deviceID}/... for the owning worker.
type DeviceHandler struct {
	Tasks    Puller
	Presence Presence
	Devices  DeviceReader
	Logger   *slog.Logger
}

type nextTaskResponse struct {
	Task *models.Task `json:"task"`
}

type batchResponse struct {
	Count int            `json:"count"`
	Tasks []*models.Task `json:"tasks"`
}

// device resolves the caller and the device in the path, or writes the error.
func (h *DeviceHandler) device(w http.ResponseWriter, r *http.Request) (userID, deviceID uuid.UUID, ok bool) {
	id, authed := identity(r)
	if !authed {
		writeUnauthorized(w)
		return uuid.Nil, uuid.Nil, false
	}
	deviceID, err := uuidParam(r, "deviceID")
	if err != nil {
		writeError(w, h.Logger, r, err)
		return uuid.Nil, uuid.Nil, false
	}
	return id.UserID, deviceID, true
}

// --- GET /devices/{deviceID}/next-task ---

// NextTask returns {"task": null} when the device is ineligible or nothing
// is queued.
func (h *DeviceHandler) NextTask(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.device(w, r)
	if !ok {
		return
	}
	task, err := h.Tasks.GetNextTask(r.Context(), userID, deviceID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nextTaskResponse{Task: task})
}

// --- GET /devices/{deviceID}/batch-tasks?round_limit=N ---

func (h *DeviceHandler) BatchTasks(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.device(w, r)
	if !ok {
		return
	}
	roundLimit := 0
	if raw := r.URL.Query().Get("round_limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, h.Logger, r, apperr.Validation(apperr.CodeInvalidRoundLimit, "round_limit must be an integer"))
			return
		}
		roundLimit = n
		if n == 0 {
			roundLimit = -1
		}
	}
	tasks, err := h.Tasks.GetBatchTasks(r.Context(), userID, deviceID, roundLimit)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Count: len(tasks), Tasks: tasks})
}

// --- POST /devices/{deviceID}/status ---

type deviceStatusRequest struct {
	IsOnline *bool `json:"is_online"`
}

func (h *DeviceHandler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.device(w, r)
	if !ok {
		return
	}
	var req deviceStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.IsOnline == nil {
		writeError(w, h.Logger, r, apperr.Validation(apperr.CodeInvalidInput, "is_online is required"))
		return
	}
	if _, err := ownedDevice(r.Context(), h.Devices, userID, deviceID); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if err := h.Presence.ReportStatus(r.Context(), deviceID, *req.IsOnline); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- POST /devices/{deviceID}/heartbeat ---

func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.device(w, r)
	if !ok {
		return
	}
	if _, err := ownedDevice(r.Context(), h.Devices, userID, deviceID); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if err := h.Presence.Heartbeat(r.Context(), deviceID); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- GET /devices/{deviceID}/events ---

// Events holds a server-sent event stream open for the device. A newer
// stream for the same device closes this one.
func (h *DeviceHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.device(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if _, err := ownedDevice(r.Context(), h.Devices, userID, deviceID); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	conn, err := h.Presence.Connect(r.Context(), deviceID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	defer h.Presence.Disconnect(context.WithoutCancel(r.Context()), conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", conn.ID)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-conn.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				h.Logger.Error("encode push event", "device_id", deviceID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
