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

package store

import (
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/task"
)

// CheckTransition enforces the task lifecycle shared by all backends:
// pause needs active, resume needs paused, cancel is idempotent and
// refused only from completed, completed is reached from active.
// A legal no-op transition (cancel on canceled) returns nil.
func CheckTransition(id string, from, to task.Status) error {
	switch to {
	case task.StatusPaused:
		if from != task.StatusActive {
			return transitionConflict(id, from, to)
		}
	case task.StatusActive:
		if from != task.StatusPaused {
			return transitionConflict(id, from, to)
		}
	case task.StatusCanceled:
		if from == task.StatusCompleted {
			return transitionConflict(id, from, to)
		}
	case task.StatusCompleted:
		if from != task.StatusActive {
			return transitionConflict(id, from, to)
		}
	default:
		return &errors.ValidationError{Field: "status", Value: string(to), Expected: "active, paused, canceled or completed"}
	}
	return nil
}

func transitionConflict(id string, from, to task.Status) error {
	return &errors.ConflictError{
		Resource: "task",
		ID:       id,
		Reason:   "cannot transition from " + string(from) + " to " + string(to),
	}
}
