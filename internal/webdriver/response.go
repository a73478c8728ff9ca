// SPDX-License-Identifier: MIT

package webdriver

import (
	"encoding/json"
	"net/http"
)

// W3C error codes surfaced by the grid.
const (
	ErrSessionNotCreated = "session not created"
	ErrInvalidArgument   = "invalid argument"
	ErrUnknownError      = "unknown error"
)

// ErrorValue is the W3C error body value.
type ErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// SessionValue is the success body value of a session create.
type SessionValue struct {
	SessionID    string          `json:"sessionId"`
	Capabilities json.RawMessage `json:"capabilities"`
}

type envelope struct {
	Value any `json:"value"`
}

// WriteError writes a WebDriver-compliant error response.
func WriteError(w http.ResponseWriter, status int, code, message, stacktrace string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Value: ErrorValue{
		Error:      code,
		Message:    message,
		Stacktrace: stacktrace,
	}})
}

// WriteSessionCreated writes the 201 success response for POST /session.
func WriteSessionCreated(w http.ResponseWriter, sessionID string, capabilities json.RawMessage) {
	if len(capabilities) == 0 {
		capabilities = json.RawMessage(`{}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(envelope{Value: SessionValue{
		SessionID:    sessionID,
		Capabilities: capabilities,
	}})
}
