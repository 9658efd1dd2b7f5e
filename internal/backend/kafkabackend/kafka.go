// Package kafkabackend is a bonus fourth Backend implementation on top of a
// single-partition Kafka (or Redpanda) topic: the broker's own offset
// ordering supplies the global sequence, sidestepping the need for a
// separate counter that every producer process would otherwise have to
// coordinate on. Per-channel ids and backlog/age bounds are therefore
// lighter-weight than the memory/Redis/Postgres backends: ids come from a
// counter in the publishing process, and backlog bounds are left to the
// topic's retention settings.
package kafkabackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Backend implements backend.Backend against a single-partition Kafka
// topic. The topic MUST be created with exactly one partition: global
// ordering depends on every publish landing on the same partition, so
// offset N always means global id N+1.
type Backend struct {
	client  *kgo.Client
	topic   string
	logger  zerolog.Logger

	mu         sync.Mutex
	channelIDs map[string]int64
}

// New constructs a Backend. The topic must already exist with a single
// partition; provisioning topics is left to deployment tooling.
func New(brokers []string, topic string, logger zerolog.Logger) (*Backend, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkabackend: creating client: %w", err)
	}
	return &Backend{
		client:     client,
		topic:      topic,
		logger:     logger.With().Str("component", "kafka_backend").Logger(),
		channelIDs: make(map[string]int64),
	}, nil
}

// encodeValue builds the record value. The leading field is always "0": the
// true global id isn't known until the broker assigns an offset, so readers
// derive it from record.Offset+1 instead of trusting this field.
func encodeValue(id int64, channel string, payload []byte) []byte {
	return []byte(message.Encode(0, id, channel, payload))
}

func decodeValue(offset int64, value []byte) (message.Message, bool) {
	_, id, channel, payload, ok := message.Decode(string(value))
	if !ok {
		return message.Message{}, false
	}
	return message.Message{GlobalID: offset + 1, ID: id, Channel: channel, Data: payload}, true
}

// Publish implements backend.Backend. opts' backlog bounds are not applied
// here: Kafka topics are bounded by broker-side retention.ms/retention.bytes
// configured out of band, not per-publish.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte, opts backend.PublishOptions) (int64, error) {
	b.mu.Lock()
	b.channelIDs[channel]++
	id := b.channelIDs[channel]
	b.mu.Unlock()

	record := &kgo.Record{
		Topic:     b.topic,
		Key:       []byte(channel),
		Value:     encodeValue(id, channel, payload),
		Partition: 0,
	}

	var result *kgo.Record
	var resultErr error
	var wg sync.WaitGroup
	wg.Add(1)
	b.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		result, resultErr = r, err
		wg.Done()
	})
	wg.Wait()

	if resultErr != nil {
		return 0, fmt.Errorf("%w: %v", backend.ErrReadOnly, resultErr)
	}
	return result.Offset + 1, nil
}

// LastID implements backend.Backend using the in-process counter. Only
// publishes made through this Backend instance are reflected; a multi-
// producer-process deployment should prefer the memory/Redis/Postgres
// backends, where LastID is authoritative across processes.
func (b *Backend) LastID(ctx context.Context, channel string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelIDs[channel], nil
}

// LastIDs implements backend.Backend.
func (b *Backend) LastIDs(ctx context.Context, channels []string) ([]int64, error) {
	out := make([]int64, len(channels))
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, channel := range channels {
		out[i] = b.channelIDs[channel]
	}
	return out, nil
}

// scanFrom opens a dedicated, non-group client seeked to startOffset on
// partition 0 and reads every record up to the partition's current high
// watermark.
func (b *Backend) scanFrom(ctx context.Context, startOffset int64) ([]message.Message, error) {
	seedBrokers, _ := b.client.OptValue(kgo.SeedBrokers).([]string)
	tmp, err := kgo.NewClient(
		kgo.SeedBrokers(seedBrokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			b.topic: {0: kgo.NewOffset().At(startOffset)},
		}),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkabackend: creating scan client: %w", err)
	}
	defer tmp.Close()

	var out []message.Message
	for {
		fetches := tmp.PollFetches(ctx)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				b.logger.Warn().Err(e.Err).Str("topic", e.Topic).Msg("scan fetch error")
			}
		}
		if fetches.NumRecords() == 0 {
			return out, nil
		}
		fetches.EachRecord(func(r *kgo.Record) {
			if msg, ok := decodeValue(r.Offset, r.Value); ok {
				out = append(out, msg)
			}
		})
	}
}

// Backlog implements backend.Backend.
func (b *Backend) Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error) {
	all, err := b.scanFrom(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []message.Message
	for _, m := range all {
		if m.Channel == channel && m.ID > sinceID {
			out = append(out, m)
		}
	}
	return out, nil
}

// GlobalBacklog implements backend.Backend. Offset sinceGlobalID corresponds
// to global id sinceGlobalID+1, so the scan starts exactly there.
func (b *Backend) GlobalBacklog(ctx context.Context, sinceGlobalID int64) ([]message.Message, error) {
	return b.scanFrom(ctx, sinceGlobalID)
}

// GetMessage implements backend.Backend.
func (b *Backend) GetMessage(ctx context.Context, channel string, id int64) (message.Message, bool, error) {
	msgs, err := b.Backlog(ctx, channel, id-1)
	if err != nil {
		return message.Message{}, false, err
	}
	for _, m := range msgs {
		if m.ID == id {
			return m, true, nil
		}
	}
	return message.Message{}, false, nil
}

// GlobalSubscribe implements backend.Backend using a dedicated consumer
// seeked to lastID (mapped to the corresponding offset) and polling forward
// indefinitely. Recovery is mostly a formality here: within one partition
// Kafka already guarantees order, but Deliver still protects against a
// duplicate replay window at startup.
func (b *Backend) GlobalSubscribe(ctx context.Context, lastID int64, handler backend.Handler) error {
	seedBrokers, _ := b.client.OptValue(kgo.SeedBrokers).([]string)
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(seedBrokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			b.topic: {0: kgo.NewOffset().At(lastID)},
		}),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("kafkabackend: creating subscribe client: %w", err)
	}
	defer consumer.Close()

	rec := backend.NewRecovery(handler, b.GlobalBacklog)
	if err := rec.Start(ctx, lastID); err != nil {
		return err
	}

	for {
		fetches := consumer.PollFetches(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				b.logger.Error().Err(e.Err).Str("topic", e.Topic).Msg("subscribe fetch error")
			}
		}

		var stop bool
		fetches.EachRecord(func(r *kgo.Record) {
			if string(r.Value) == backend.UnsubscribeSentinel {
				stop = true
				return
			}
			if msg, ok := decodeValue(r.Offset, r.Value); ok {
				rec.Deliver(ctx, msg)
			}
		})
		if stop {
			return nil
		}
	}
}

// GlobalUnsubscribe implements backend.Backend by producing a sentinel
// record; any blocked GlobalSubscribe consumer sees it on its next poll.
func (b *Backend) GlobalUnsubscribe(ctx context.Context) error {
	var wg sync.WaitGroup
	var produceErr error
	wg.Add(1)
	b.client.Produce(ctx, &kgo.Record{
		Topic:     b.topic,
		Partition: 0,
		Value:     []byte(backend.UnsubscribeSentinel),
	}, func(_ *kgo.Record, err error) {
		produceErr = err
		wg.Done()
	})
	wg.Wait()
	return produceErr
}

// Reset implements backend.Backend by clearing the in-process channel id
// counters. It does not delete committed Kafka records: truncating an
// append-only log is a broker administration action (topic delete/recreate
// or retention.ms tuning), not something this client issues per call.
func (b *Backend) Reset(ctx context.Context) error {
	b.mu.Lock()
	b.channelIDs = make(map[string]int64)
	b.mu.Unlock()
	return nil
}

// ExpireAllBacklogs implements backend.Backend as a no-op: age-based
// expiry is delegated to the topic's retention.ms configuration, set when
// the topic is provisioned, consistent with how Kafka retention is
// idiomatically managed rather than driven by application-level deletes.
func (b *Backend) ExpireAllBacklogs(ctx context.Context) error { return nil }

// AfterFork implements backend.Backend by recreating the client, since
// franz-go's internal connections and goroutines must not be shared across
// a fork.
func (b *Backend) AfterFork(ctx context.Context) error {
	seedBrokers, _ := b.client.OptValue(kgo.SeedBrokers).([]string)
	b.client.Close()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seedBrokers...),
		kgo.DefaultProduceTopic(b.topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return err
	}
	b.client = client
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.client.Close()
	return nil
}
