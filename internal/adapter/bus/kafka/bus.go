// Package kafka implements the lifecycle event bus on Kafka via franz-go.
//
// Each lifecycle channel is one topic, keyed by evaluation id so that events
// for the same evaluation land on the same partition. Delivery is
// at-least-once; consumers reconcile duplicates and reordering by the fixed
// per-kind sequence numbers carried in the event envelope.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/domain"
	obsctx "github.com/evalmesh/evalmesh/internal/observability"
)

// Bus implements domain.Bus. The embedded producer client is shared; each
// Subscribe and Tail call owns a dedicated consumer client.
type Bus struct {
	brokers  []string
	producer *kgo.Client
	hooks    []kgo.Opt
}

// New connects a producer to the brokers and ensures the channel topics
// exist.
func New(ctx context.Context, brokers []string) (*Bus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=bus.New: no seed brokers provided")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	hooks := []kgo.Opt{kgo.WithHooks(kotelService.Hooks()...)}

	producer, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	}, hooks...)...)
	if err != nil {
		return nil, fmt.Errorf("op=bus.New: %w: %w", domain.ErrUnavailable, err)
	}

	if err := ensureChannels(ctx, producer, 8, 1); err != nil {
		// Another process may have won the race; publishing will surface a
		// real topic problem.
		slog.Warn("ensuring channel topics failed", slog.Any("error", err))
	}

	return &Bus{brokers: brokers, producer: producer, hooks: hooks}, nil
}

// Close releases the producer client.
func (b *Bus) Close() error {
	if b.producer != nil {
		b.producer.Close()
	}
	return nil
}

// Ping probes broker connectivity (readiness checks).
func (b *Bus) Ping(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

// Publish writes the event to its channel topic, keyed by evaluation id.
// Synchronous: an error means the event did not reach the bus.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=bus.Publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: domain.ChannelFor(ev.Kind),
		Key:   []byte(ev.EvalID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "eval_id", Value: []byte(ev.EvalID)},
		},
	}
	if err := b.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=bus.Publish: %w: %w", domain.ErrUnavailable, err)
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
	slog.Debug("event published",
		slog.String("eval_id", ev.EvalID),
		slog.String("kind", string(ev.Kind)),
		slog.Int64("seq", ev.Seq))
	return nil
}

// Subscribe consumes every lifecycle channel as the named group, committing
// each record only after handler returns. Handler outcomes acknowledge either
// way; transient retries belong inside the handler. Blocks until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, group string, handler func(context.Context, domain.Event) error) error {
	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(domain.Channels...),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),
	}, b.hooks...)...)
	if err != nil {
		return fmt.Errorf("op=bus.Subscribe: %w: %w", domain.ErrUnavailable, err)
	}
	defer client.Close()

	slog.Info("bus subscriber started", slog.String("group", group))
	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			if fe.Err == context.Canceled {
				return ctx.Err()
			}
			slog.Error("bus fetch error",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.Any("error", fe.Err))
		}

		var processed []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			ev, err := decodeEvent(record)
			if err != nil {
				slog.Error("dropping undecodable event",
					slog.String("topic", record.Topic),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
				processed = append(processed, record)
				return
			}
			evCtx := obsctx.ContextWithTraceID(ctx, ev.TraceID)
			if err := handler(evCtx, ev); err != nil {
				slog.Error("event handler failed",
					slog.String("eval_id", ev.EvalID),
					slog.String("kind", string(ev.Kind)),
					slog.Any("error", err))
			}
			processed = append(processed, record)
		})
		if len(processed) == 0 {
			continue
		}
		if err := client.CommitRecords(ctx, processed...); err != nil {
			// Uncommitted records redeliver; handlers are idempotent.
			slog.Error("offset commit failed", slog.Any("error", err))
		}
	}
}

// Tail streams events published after the call with no backfill. A non-empty
// evalID filters to a single evaluation. The returned channel closes when ctx
// is done.
func (b *Bus) Tail(ctx context.Context, evalID string) (<-chan domain.Event, error) {
	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumeTopics(domain.Channels...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(time.Second),
	}, b.hooks...)...)
	if err != nil {
		return nil, fmt.Errorf("op=bus.Tail: %w: %w", domain.ErrUnavailable, err)
	}

	out := make(chan domain.Event, 64)
	go func() {
		defer close(out)
		defer client.Close()
		for {
			fetches := client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachRecord(func(record *kgo.Record) {
				if evalID != "" && string(record.Key) != evalID {
					return
				}
				ev, err := decodeEvent(record)
				if err != nil {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			})
		}
	}()
	return out, nil
}

func decodeEvent(record *kgo.Record) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(record.Value, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.EvalID == "" || ev.Kind == "" {
		return domain.Event{}, fmt.Errorf("event missing eval_id or kind")
	}
	return ev, nil
}
