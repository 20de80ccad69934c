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

package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/errors"
)

func TestWriteErrorShapesValidation(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &errors.ValidationError{
		Field:    "title",
		Value:    "",
		Expected: "1-200 characters",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation", body.Error)
	require.NotNil(t, body.Details)
	assert.Equal(t, "title", body.Details.Field)
	assert.Equal(t, "1-200 characters", body.Details.Expected)
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		errors.KindValidation: http.StatusBadRequest,
		errors.KindSchedule:   http.StatusBadRequest,
		errors.KindNotFound:   http.StatusNotFound,
		errors.KindConflict:   http.StatusConflict,
		errors.KindTimeout:    http.StatusGatewayTimeout,
		"internal":            http.StatusInternalServerError,
		"":                    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusForKind(kind), "kind %q", kind)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"titel":"x"}`))
	var dst struct {
		Title string `json:"title"`
	}
	err := DecodeJSON(req, &dst)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.Kind(err))
}

func TestDecodeJSONRejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}{"again":true}`))
	var dst map[string]any
	err := DecodeJSON(req, &dst)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.Kind(err))
}

func TestDecodeJSONAcceptsValidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"nightly"}`))
	var dst struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON(req, &dst))
	assert.Equal(t, "nightly", dst.Title)
}
