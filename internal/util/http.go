// Package util holds the JSON response helpers shared by every handler.
package util

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the wire shape of every non-2xx response. Message is safe
// to show to clients; internal detail stays in the logs.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON encodes payload with the status code. Encoding errors after
// the header is written cannot be reported to the client, so they are
// dropped here.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, code, msg, requestID string) {
	WriteJSON(w, status, ErrorBody{Code: code, Message: msg, RequestID: requestID})
}
