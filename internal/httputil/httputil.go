// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil holds the JSON wire helpers shared by the REST
// facade: response writing and the error body shape.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/baton/pkg/errors"
)

// MaxBodyBytes bounds request bodies; anything larger is rejected
// before decoding.
const MaxBodyBytes = 1 << 20

// ErrorBody is the wire shape for failures.
type ErrorBody struct {
	// Error is the machine-readable kind (validation, not_found, ...).
	Error string `json:"error"`

	// Message is the human-readable description.
	Message string `json:"message"`

	Details *ErrorDetails `json:"details,omitempty"`
}

// ErrorDetails carries field-level validation context.
type ErrorDetails struct {
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// WriteJSON writes v with the given status. Encoding failures are
// logged and the connection is left to the client to notice; headers
// are already gone.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", slog.Any("error", err))
	}
}

// WriteError maps an error's kind to a status and writes the error
// body. Field-level details ride along for validation failures.
func WriteError(w http.ResponseWriter, err error) {
	body := ErrorBody{
		Error:   errors.Kind(err),
		Message: err.Error(),
	}
	var verr *errors.ValidationError
	if errors.As(err, &verr) {
		body.Details = &ErrorDetails{
			Field:    verr.Field,
			Value:    verr.Value,
			Expected: verr.Expected,
		}
	}
	WriteJSON(w, StatusForKind(body.Error), body)
}

// StatusForKind maps error kinds onto HTTP statuses. Unknown kinds are
// internal failures.
func StatusForKind(kind string) int {
	switch kind {
	case errors.KindValidation, errors.KindSchedule, errors.KindTemplate:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON reads the request body into dst, enforcing the size cap
// and rejecting unknown fields so typos surface as 400s instead of
// silently dropped options.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &errors.ValidationError{
			Field:    "body",
			Value:    truncate(err.Error(), 120),
			Expected: "valid JSON request body",
		}
	}
	// A second document in the body is a malformed request.
	if dec.More() {
		return &errors.ValidationError{
			Field:    "body",
			Value:    "trailing data",
			Expected: "a single JSON document",
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
