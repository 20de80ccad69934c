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

// Package events is the bus boundary: a Redis Streams consumer group
// feeding the scheduler's event matcher, and the XADD publisher the API
// uses. The bus delivers at-least-once; this package narrows that to
// effectively-once per event id within a dedupe window.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/scheduler"
)

// Defaults applied by NewIngester; each has a matching Option.
const (
	DefaultStream       = "baton:events"
	DefaultGroup        = "baton-scheduler"
	DefaultDedupeWindow = 5 * time.Minute
	DefaultBatch        = 64
	DefaultBlock        = 2 * time.Second
	DefaultRate         = 200
	DefaultClaimEvery   = 30 * time.Second
	DefaultClaimMinIdle = time.Minute
)

// dedupePrefix namespaces the SET NX keys that absorb redeliveries.
const dedupePrefix = "baton:events:seen:"

// Event dispositions, used as metric labels.
const (
	dispositionDelivered = "delivered"
	dispositionDuplicate = "duplicate"
	dispositionMalformed = "malformed"
	dispositionRequeued  = "requeued"
)

// Handler receives decoded bus events. *scheduler.Scheduler satisfies
// it; an error leaves the message pending so the bus redelivers it.
type Handler interface {
	OnEvent(ctx context.Context, ev scheduler.Event) error
}

// Ingester drains the event stream through a consumer group and hands
// each decoded event to the handler exactly once per dedupe window.
type Ingester struct {
	rdb     redis.UniversalClient
	handler Handler
	logger  *slog.Logger
	limiter *rate.Limiter

	stream   string
	group    string
	consumer string
	window   time.Duration
	batch    int64
	block    time.Duration

	claimEvery   time.Duration
	claimMinIdle time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithLogger sets the ingester's logger.
func WithLogger(logger *slog.Logger) IngesterOption {
	return func(i *Ingester) { i.logger = logger }
}

// WithStream overrides the stream key.
func WithStream(stream string) IngesterOption {
	return func(i *Ingester) {
		if stream != "" {
			i.stream = stream
		}
	}
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) IngesterOption {
	return func(i *Ingester) {
		if group != "" {
			i.group = group
		}
	}
}

// WithConsumer overrides the generated consumer name.
func WithConsumer(consumer string) IngesterOption {
	return func(i *Ingester) {
		if consumer != "" {
			i.consumer = consumer
		}
	}
}

// WithDedupeWindow sets how long an event id suppresses redeliveries.
func WithDedupeWindow(d time.Duration) IngesterOption {
	return func(i *Ingester) {
		if d > 0 {
			i.window = d
		}
	}
}

// WithBatch sets how many messages one read may return.
func WithBatch(n int64) IngesterOption {
	return func(i *Ingester) {
		if n > 0 {
			i.batch = n
		}
	}
}

// WithBlock sets how long an empty read blocks on the bus.
func WithBlock(d time.Duration) IngesterOption {
	return func(i *Ingester) {
		if d > 0 {
			i.block = d
		}
	}
}

// WithRate caps deliveries per second, so a replayed backlog drains at
// a pace the scheduler and store can absorb.
func WithRate(perSecond float64) IngesterOption {
	return func(i *Ingester) {
		if perSecond > 0 {
			i.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond))
		}
	}
}

// WithClaim tunes recovery of entries stranded by dead consumers:
// every sweep interval, pending entries idle beyond minIdle are claimed
// and reprocessed.
func WithClaim(every, minIdle time.Duration) IngesterOption {
	return func(i *Ingester) {
		if every > 0 {
			i.claimEvery = every
		}
		if minIdle > 0 {
			i.claimMinIdle = minIdle
		}
	}
}

// NewIngester builds an Ingester over the Redis client.
func NewIngester(rdb redis.UniversalClient, handler Handler, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		rdb:          rdb,
		handler:      handler,
		logger:       slog.Default(),
		limiter:      rate.NewLimiter(rate.Limit(DefaultRate), DefaultRate),
		stream:       DefaultStream,
		group:        DefaultGroup,
		consumer:     defaultConsumer(),
		window:       DefaultDedupeWindow,
		batch:        DefaultBatch,
		block:        DefaultBlock,
		claimEvery:   DefaultClaimEvery,
		claimMinIdle: DefaultClaimMinIdle,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(slog.String("component", "events"))
	return i
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ingester"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start creates the consumer group if needed and launches the drain
// loop. Starting a running ingester is a no-op.
func (i *Ingester) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = true
	i.stopCh = make(chan struct{})
	i.doneCh = make(chan struct{})
	stopCh, doneCh := i.stopCh, i.doneCh
	i.mu.Unlock()

	if err := i.ensureGroup(ctx); err != nil {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
		return err
	}

	go i.run(ctx, stopCh, doneCh)
	i.logger.Info("event ingester started",
		slog.String("stream", i.stream),
		slog.String("group", i.group),
		slog.String("consumer", i.consumer))
	return nil
}

// Stop halts the drain loop and waits for it to exit. Messages in
// flight stay pending and are claimed after restart.
func (i *Ingester) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	close(i.stopCh)
	doneCh := i.doneCh
	i.mu.Unlock()

	<-doneCh
	i.logger.Info("event ingester stopped")
}

// ensureGroup creates the group at the stream head, tolerating a group
// that already exists.
func (i *Ingester) ensureGroup(ctx context.Context) error {
	err := i.rdb.XGroupCreateMkStream(ctx, i.stream, i.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// run is the drain loop. It reads new entries (">"), falls back to the
// consumer's own pending backlog ("0") after a handler failure, and
// periodically claims entries stranded by dead consumers.
func (i *Ingester) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	claim := time.NewTicker(i.claimEvery)
	defer claim.Stop()

	cursor := ">"
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-claim.C:
			i.claimStranded(ctx)
		default:
		}

		streams, err := i.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    i.group,
			Consumer: i.consumer,
			Streams:  []string{i.stream, cursor},
			Count:    i.batch,
			Block:    i.block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				cursor = ">"
				if !i.pause(ctx, stopCh) {
					return
				}
				continue
			}
			i.logger.Warn("stream read failed", slog.Any("error", err))
			if !i.pause(ctx, stopCh) {
				return
			}
			continue
		}

		failed := false
		empty := true
		for _, s := range streams {
			for _, msg := range s.Messages {
				empty = false
				if !i.deliver(ctx, msg) {
					failed = true
				}
			}
		}

		// After a failure, re-read the consumer's own pending backlog
		// so the message retries without waiting for a claim sweep. A
		// backlog read that comes back empty means it is drained.
		if failed {
			cursor = "0"
			if !i.pause(ctx, stopCh) {
				return
			}
			continue
		}
		cursor = ">"
		if empty {
			if !i.pause(ctx, stopCh) {
				return
			}
		}
	}
}

// pause sleeps briefly between empty or failed reads, waking on stop.
func (i *Ingester) pause(ctx context.Context, stopCh <-chan struct{}) bool {
	t := time.NewTimer(10 * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// deliver decodes one message and pushes it through dedupe and the
// handler. It reports false when the message must stay pending for a
// redelivery.
func (i *Ingester) deliver(ctx context.Context, msg redis.XMessage) bool {
	if err := i.limiter.Wait(ctx); err != nil {
		return false
	}

	ev, ok := decode(msg)
	if !ok {
		// Nothing downstream can use it; retrying will not help.
		i.ack(ctx, msg.ID)
		metrics.RecordEvent(dispositionMalformed)
		i.logger.Warn("malformed event dropped", slog.String("stream_id", msg.ID))
		return true
	}

	key := dedupePrefix + ev.ID
	fresh, err := i.rdb.SetNX(ctx, key, i.consumer, i.window).Result()
	if err != nil {
		i.logger.Warn("event dedupe check failed", slog.Any("error", err))
		metrics.RecordEvent(dispositionRequeued)
		return false
	}
	if !fresh {
		i.ack(ctx, msg.ID)
		metrics.RecordEvent(dispositionDuplicate)
		i.logger.Debug("duplicate event dropped",
			slog.String("event_id", ev.ID),
			slog.String(log.TopicKey, ev.Topic))
		return true
	}

	if err := i.handler.OnEvent(ctx, ev); err != nil {
		// Surrender the dedupe claim so the redelivery is not
		// swallowed as a duplicate.
		if derr := i.rdb.Del(ctx, key).Err(); derr != nil {
			i.logger.Warn("event dedupe rollback failed",
				slog.String("event_id", ev.ID), slog.Any("error", derr))
		}
		metrics.RecordEvent(dispositionRequeued)
		i.logger.Warn("event delivery failed, leaving pending",
			slog.String("event_id", ev.ID),
			slog.String(log.TopicKey, ev.Topic),
			slog.Any("error", err))
		return false
	}

	i.ack(ctx, msg.ID)
	metrics.RecordEvent(dispositionDelivered)
	return true
}

func (i *Ingester) ack(ctx context.Context, id string) {
	if err := i.rdb.XAck(ctx, i.stream, i.group, id).Err(); err != nil {
		i.logger.Warn("ack failed", slog.String("stream_id", id), slog.Any("error", err))
	}
}

// claimStranded adopts pending entries whose consumer stopped
// heartbeating the group, then processes them like fresh deliveries.
func (i *Ingester) claimStranded(ctx context.Context) {
	msgs, _, err := i.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   i.stream,
		Group:    i.group,
		Consumer: i.consumer,
		MinIdle:  i.claimMinIdle,
		Start:    "0-0",
		Count:    i.batch,
	}).Result()
	if err != nil {
		i.logger.Warn("pending claim failed", slog.Any("error", err))
		return
	}
	for _, msg := range msgs {
		i.deliver(ctx, msg)
	}
}

// decode maps a stream entry onto an Event. The logical id prefers the
// publisher-supplied one and falls back to the stream id, which is
// stable across redeliveries.
func decode(msg redis.XMessage) (scheduler.Event, bool) {
	ev := scheduler.Event{ID: msg.ID}

	topic, ok := msg.Values["topic"].(string)
	if !ok || topic == "" {
		return ev, false
	}
	ev.Topic = topic

	if id, ok := msg.Values["id"].(string); ok && id != "" {
		ev.ID = id
	}
	if source, ok := msg.Values["source"].(string); ok {
		ev.Source = source
	}
	if raw, ok := msg.Values["payload"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return ev, false
		}
	}
	return ev, true
}
