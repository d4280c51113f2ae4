package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/auth"
	"github.com/smsrelay/backend/internal/middleware"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/repository"
)

const maxBodyBytes = 2 << 20

// DeviceReader resolves a device so handlers can check who owns it.
type DeviceReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its HTTP status and {"error", "message"} body.
// Anything that is not a typed business error is logged and hidden as 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status, body := apperr.ToBody(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Validation(apperr.CodeInvalidInput, "request body too large")
		}
		return nil, apperr.Validation(apperr.CodeInvalidInput, "could not read request body")
	}
	return body, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation(apperr.CodeInvalidInput, "invalid "+name)
	}
	return id, nil
}

func identity(r *http.Request) (auth.Identity, bool) {
	return middleware.IdentityFromCtx(r.Context())
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, apperr.Body{Error: "unauthorized", Message: "not authenticated"})
}

// ownedDevice loads the device named in the path and checks the caller owns
// it. Foreign devices look the same as missing ones.
func ownedDevice(ctx context.Context, devices DeviceReader, userID, deviceID uuid.UUID) (*models.Device, error) {
	d, err := devices.GetByID(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && d.OwnerUserID != userID) {
		return nil, apperr.NotFound(apperr.CodeDeviceNotFound, "device not found")
	}
	return d, err
}
