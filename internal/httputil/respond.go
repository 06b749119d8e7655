// Package httputil provides HTTP helpers shared by the gateway surface.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds request bodies accepted by the gateway.
const maxBodyBytes = 1 << 20

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error body with a reason tag.
func WriteError(w http.ResponseWriter, status int, reason, msg string) {
	WriteJSON(w, status, map[string]string{
		"error":  msg,
		"reason": reason,
	})
}

// BadRequest writes a 400 response.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, "bad_request", msg)
}

// InternalError writes a 500 response.
func InternalError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusInternalServerError, "internal", msg)
}

// DecodeJSON decodes the request body into target, writing a 400 on failure.
// Returns false if decoding failed and a response has been written.
func DecodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// ReadAllWithLimit reads up to limit bytes, reporting whether the body was truncated.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}
