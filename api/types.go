package api

import (
	"encoding/json"
	"net/http"
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// StatusResponse is the body of every error reply and of the legacy
// /files and /session_version replies.
type StatusResponse struct {
	StatusCode int `json:"status_code"`
	Result     any `json:"result,omitempty"`
	Updated    any `json:"updated,omitempty"`
}

// UploadResponse is returned by POST /file.
type UploadResponse struct {
	ID string `json:"id"`
}

// LegacyUploadRequest is the body of POST /files. File is nil when the
// property is missing.
type LegacyUploadRequest struct {
	File *string `json:"file"`
}

// FileInfoResponse is returned by GET /file/{id}/info. Timestamps are unix
// seconds.
type FileInfoResponse struct {
	Size     int     `json:"size"`
	Uploaded float64 `json:"uploaded"`
	Expires  float64 `json:"expires"`
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteStatus writes {"status_code": status} with the same HTTP status.
func WriteStatus(w http.ResponseWriter, status int) {
	WriteJSON(w, status, StatusResponse{StatusCode: status})
}
