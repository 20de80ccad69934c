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

package leader

import (
	"context"
	"sync"

	"github.com/tombee/baton/internal/metrics"
)

// Standalone is the single-process election: Start claims leadership
// immediately and Stop resigns it. The memory store has no shared
// arbiter and needs none.
type Standalone struct {
	mu        sync.RWMutex
	leading   bool
	callbacks []func(bool)
}

// NewStandalone returns an always-leader Election.
func NewStandalone() *Standalone {
	return &Standalone{}
}

// Start claims leadership and fires registered callbacks.
func (s *Standalone) Start(context.Context) error {
	s.set(true)
	return nil
}

// Stop resigns leadership.
func (s *Standalone) Stop() {
	s.set(false)
}

// IsLeader reports the claimed state.
func (s *Standalone) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leading
}

// OnLeadershipChange registers fn to run on every transition.
func (s *Standalone) OnLeadershipChange(fn func(leader bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

func (s *Standalone) set(leading bool) {
	s.mu.Lock()
	if s.leading == leading {
		s.mu.Unlock()
		return
	}
	s.leading = leading
	callbacks := make([]func(bool), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	metrics.SetLeader(leading)
	for _, fn := range callbacks {
		fn(leading)
	}
}
