package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/telnet2/patchsync/internal/broadcast"
	"github.com/telnet2/patchsync/internal/channel"
	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/internal/patch"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}

	writeJSON(w, http.StatusOK, data)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result["message"] != "hello" {
		t.Errorf("Expected message 'hello', got '%s'", result["message"])
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	var result ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidRequest, result.Error.Code)
	}
	if result.Error.Message != "Invalid input" {
		t.Errorf("Expected message 'Invalid input', got '%s'", result.Error.Message)
	}
}

func TestWriteErrorWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	details := map[string]any{
		"field":  "value",
		"reason": "root kind changed",
	}

	writeErrorWithDetails(w, http.StatusUnprocessableEntity, ErrCodeMalformedSnapshot, "Malformed value", details)

	var result ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result.Error.Details["field"] != "value" {
		t.Errorf("Expected details.field 'value', got '%v'", result.Error.Details["field"])
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	writeSuccess(w)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !result["success"] {
		t.Error("Expected success true")
	}
}

func TestWriteEngineError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown channel", fmt.Errorf("%w: count", channel.ErrUnknownChannel), http.StatusNotFound, ErrCodeNotFound},
		{"unknown session", fmt.Errorf("%w: 01H", broadcast.ErrUnknownSession), http.StatusNotFound, ErrCodeNotFound},
		{"channel exists", channel.ErrChannelExists, http.StatusConflict, ErrCodeConflict},
		{"invalid id", channel.ErrInvalidID, http.StatusBadRequest, ErrCodeInvalidRequest},
		{"malformed", fmt.Errorf("%w: root kind changed", patch.ErrMalformedSnapshot), http.StatusUnprocessableEntity, ErrCodeMalformedSnapshot},
		{"closed", hub.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeEngineError(w, tt.err)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			var result ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if result.Error.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, result.Error.Code)
			}
			if result.Error.Message != tt.err.Error() {
				t.Errorf("Expected message %q, got %q", tt.err.Error(), result.Error.Message)
			}
		})
	}
}
