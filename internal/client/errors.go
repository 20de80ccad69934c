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

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx daemon response. Kind mirrors the body's error
// field (validation, not_found, conflict, ...) when the daemon produced
// it; proxies and load balancers leave Kind empty.
type APIError struct {
	StatusCode int           `json:"-"`
	Kind       string        `json:"error"`
	Message    string        `json:"message"`
	Details    *ErrorDetails `json:"details,omitempty"`
}

// ErrorDetails carries field-level validation context.
type ErrorDetails struct {
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Kind != "":
		return fmt.Sprintf("daemon returned %d (%s)", e.StatusCode, e.Kind)
	default:
		return fmt.Sprintf("daemon returned %d", e.StatusCode)
	}
}

// IsNotFound reports whether err is a daemon not_found response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Kind == "" {
		// Not the daemon's error shape; keep the raw body for context.
		apiErr.Kind = ""
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
