// Package api provides shared HTTP helpers and the service-level endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/shsh-actions/internal/shared"
)

// DefaultMaxRequestBodySize is the default maximum request body size (1MB).
const DefaultMaxRequestBodySize = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response with an explicit code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]string{"error": code, "message": message})
}

// WriteError maps err onto its client-visible code and status.
func WriteError(w http.ResponseWriter, err error) {
	code := shared.Code(err)
	if code == shared.CodeInternal {
		slog.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, code, "internal error")
		return
	}
	Error(w, shared.HTTPStatus(err), code, err.Error())
}

// DecodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, allowEmpty bool, v any) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body too large", shared.ErrBadRequest)
		}
		return fmt.Errorf("%w: invalid request body: %v", shared.ErrBadRequest, err)
	}
	return nil
}
