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

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/baton/internal/scheduler"
	"github.com/tombee/baton/pkg/errors"
)

// DefaultMaxStreamLen bounds the event stream; XADD trims approximately
// at this length so an unconsumed stream cannot grow without bound.
const DefaultMaxStreamLen = 100_000

// Publisher appends events to the bus stream.
type Publisher struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishStream overrides the stream key.
func WithPublishStream(stream string) PublisherOption {
	return func(p *Publisher) {
		if stream != "" {
			p.stream = stream
		}
	}
}

// WithMaxStreamLen overrides the approximate stream length cap.
func WithMaxStreamLen(n int64) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.maxLen = n
		}
	}
}

// NewPublisher builds a Publisher over the Redis client.
func NewPublisher(rdb redis.UniversalClient, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		rdb:    rdb,
		stream: DefaultStream,
		maxLen: DefaultMaxStreamLen,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish appends the event and returns its stream id. A caller-set
// event id rides along for dedupe; otherwise consumers fall back to the
// stream id.
func (p *Publisher) Publish(ctx context.Context, ev scheduler.Event) (string, error) {
	if ev.Topic == "" {
		return "", &errors.ValidationError{Field: "topic", Value: "", Expected: "non-empty topic"}
	}

	values := map[string]any{"topic": ev.Topic}
	if ev.ID != "" {
		values["id"] = ev.ID
	}
	if ev.Source != "" {
		values["source"] = ev.Source
	}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return "", &errors.ValidationError{Field: "payload", Value: "(unserializable)", Expected: "JSON-serializable object"}
		}
		values["payload"] = string(raw)
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing event to %s: %w", p.stream, err)
	}
	return id, nil
}
