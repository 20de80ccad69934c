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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tombee/baton/internal/httputil"
	"github.com/tombee/baton/internal/scheduler"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
)

// staleWorkerAfter is three missed heartbeats at the default interval.
const staleWorkerAfter = 30 * time.Second

const healthProbeTimeout = 2 * time.Second

type runList struct {
	Runs  []*store.Run `json:"runs"`
	Count int          `json:"count"`
}

type eventRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Source  string          `json:"source,omitempty"`
	ID      string          `json:"id,omitempty"`
}

type eventAccepted struct {
	StreamID string `json:"stream_id"`
	Topic    string `json:"topic"`
}

type workerStatus struct {
	WorkerID string    `json:"worker_id"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type workerList struct {
	Workers []workerStatus `json:"workers"`
	Count   int            `json:"count"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	f := store.RunFilter{TaskID: id}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		httputil.WriteError(w, err)
		return
	}

	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runList{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.pub == nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorBody{
			Error:   "unavailable",
			Message: "event bus not configured",
		})
		return
	}

	var req eventRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	ev := scheduler.Event{ID: req.ID, Topic: req.Topic, Source: req.Source}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &ev.Payload); err != nil {
			httputil.WriteError(w, &errors.ValidationError{
				Field:    "payload",
				Value:    string(req.Payload),
				Expected: "a JSON object",
			})
			return
		}
	}

	streamID, err := s.pub.Publish(r.Context(), ev)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, eventAccepted{StreamID: streamID, Topic: ev.Topic})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	beats, err := s.store.ListHeartbeats(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	now := s.clock().UTC()
	workers := make([]workerStatus, 0, len(beats))
	for _, hb := range beats {
		workers = append(workers, workerStatus{
			WorkerID: hb.WorkerID,
			LastSeen: hb.LastSeen,
			Healthy:  now.Sub(hb.LastSeen) < staleWorkerAfter,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, workerList{Workers: workers, Count: len(workers)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status: "degraded",
				Error:  err.Error(),
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
