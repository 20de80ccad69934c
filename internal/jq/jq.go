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

// Package jq evaluates jq expressions against API responses for the
// CLI's --jq flag.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single expression evaluation; jq programs can
// loop forever (`repeat`, `recurse`) and a CLI should not.
const DefaultTimeout = time.Second

// Apply compiles expr and runs it over v, returning every output value.
// An expression can emit several values (`.tasks[]`); callers print one
// per line the way jq does. Typed values are round-tripped through JSON
// first, so client response structs work directly.
func Apply(ctx context.Context, expr string, v any) ([]any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("jq parse: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile: %w", err)
	}

	input, err := normalize(v)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var out []any
	iter := code.RunWithContext(ctx, input)
	for {
		next, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := next.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		out = append(out, next)
	}
	return out, nil
}

// Validate reports whether expr parses and compiles, without running it.
func Validate(expr string) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	return nil
}

// normalize converts v into the nil/bool/number/string/slice/map shapes
// gojq accepts. Values already in that shape pass through untouched.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, int, float64, *big.Int, string, []any, map[string]any:
		return v, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}
	return out, nil
}
