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

// Package backoff computes retry delays for failed work. The same curves
// apply to whole-run re-delivery and to step-local retries.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Kind selects a delay curve.
type Kind string

const (
	// ExponentialJitter doubles the delay per attempt, capped at Cap,
	// scaled by a random factor in [0.5, 1.0).
	ExponentialJitter Kind = "exponential_jitter"
	// Linear grows the delay by Base per attempt.
	Linear Kind = "linear"
	// Fixed delays a constant Base between attempts.
	Fixed Kind = "fixed"
)

const (
	// Base is the first-retry delay.
	Base = time.Second
	// Cap bounds the exponential curve.
	Cap = 5 * time.Minute
)

// Valid reports whether k names a known curve.
func Valid(k Kind) bool {
	switch k {
	case ExponentialJitter, Linear, Fixed:
		return true
	}
	return false
}

// Delay returns the wait before re-delivering attempt+1, given that
// attempt (1-based) just failed. rand01 supplies the jitter source and
// may be nil outside tests. Unknown kinds fall back to ExponentialJitter.
func Delay(k Kind, attempt int, rand01 func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if rand01 == nil {
		rand01 = rand.Float64
	}

	switch k {
	case Linear:
		return time.Duration(attempt) * Base
	case Fixed:
		return Base
	default:
		d := exponential(attempt)
		// Scale into [0.5, 1.0) of the raw delay.
		return time.Duration((0.5 + rand01()/2) * float64(d))
	}
}

// exponential returns min(Cap, Base * 2^(attempt-1)) without overflow.
func exponential(attempt int) time.Duration {
	// 2^9 seconds already exceeds the five minute cap.
	if attempt > 10 {
		return Cap
	}
	d := Base << (attempt - 1)
	if d > Cap {
		return Cap
	}
	return d
}
