package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/ispbill/routerd/internal/devicepool"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeCodedError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail, "code": code})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusClientClosedRequest is the de facto code for a request the client abandoned.
const statusClientClosedRequest = 499

// commandErrorStatus maps a pool error to an HTTP status and machine-readable code.
func commandErrorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, context.Canceled) && devicepool.KindOf(err) == nil:
		return statusClientClosedRequest, "request_canceled", "Request canceled"
	case errors.Is(err, devicepool.ErrQueueFull):
		return http.StatusServiceUnavailable, "device_busy", "Router is busy, retry shortly"
	case errors.Is(err, devicepool.ErrAuthFailure):
		return http.StatusBadGateway, "device_auth_failed", "Misconfigured device credentials"
	case errors.Is(err, devicepool.ErrConfigNotFound):
		return http.StatusNotFound, "router_not_configured", "No router configured for this tenant"
	case errors.Is(err, devicepool.ErrDeviceRejected):
		return http.StatusUnprocessableEntity, "device_rejected", err.Error()
	case errors.Is(err, devicepool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "shutting_down", "Service is shutting down"
	case errors.Is(err, devicepool.ErrCommandTimeout),
		errors.Is(err, devicepool.ErrConnectTimeout),
		errors.Is(err, devicepool.ErrTransient):
		return http.StatusServiceUnavailable, "device_unreachable", "Router unreachable"
	default:
		return http.StatusInternalServerError, "internal_error", "Router command failed"
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	status, code, detail := commandErrorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("Router command failed: %v", err)
	}
	writeCodedError(w, status, code, detail)
}
