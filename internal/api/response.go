// Package api is the NVR's HTTP surface: the JSON control endpoints,
// the movement event stream (SSE and websocket), and media serving for
// live playlists, recorded clips and extracted frames.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// JSON writes v as the response body with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Created writes v with 201.
func Created(w http.ResponseWriter, v any) {
	JSON(w, http.StatusCreated, v)
}

// Errors carry short text bodies. Client mistakes are logged at info,
// server faults at error.

func BadRequest(w http.ResponseWriter, logger *slog.Logger, msg string) {
	logger.Info("Rejected request", "status", http.StatusBadRequest, "reason", msg)
	http.Error(w, msg, http.StatusBadRequest)
}

func NotFound(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusNotFound)
}

func InternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}
