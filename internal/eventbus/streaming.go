package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// maxInFlightDefault is overridden by StreamingBus.maxInFlight; kept here only as the
// fallback used when NewStreaming is called with a non-positive limit.
const maxInFlightDefault = 5000

// retentionFor returns the partition count and retention.ms (or "compact" cleanup
// policy) for a logical kind, per spec §4.6's per-kind table.
func retentionFor(kind string) (partitions int, retentionMS int64, compact bool) {
	switch kind {
	case KindActivity:
		return 6, 7 * 24 * 3600 * 1000, false
	case KindMemory:
		return 3, 0, true
	case KindTasks:
		return 6, 7 * 24 * 3600 * 1000, false
	case KindDirect:
		return 3, 7 * 24 * 3600 * 1000, false
	case KindTelemetry:
		return 3, 7 * 24 * 3600 * 1000, false
	default:
		return 3, 7 * 24 * 3600 * 1000, false
	}
}

// kafkaTopic derives the physical Kafka topic name from the logical "{fleet}.{kind}"
// topic, per spec §4.6: "Topic naming ringforge.{fleet}.{kind}".
func kafkaTopic(logicalTopic string) string {
	return "ringforge." + logicalTopic
}

// messageWriter is the subset of *kafka.Writer exercised by StreamingBus, narrowed so
// tests can substitute a fake instead of dialing a real broker.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// topicAdmin is the subset of *kafka.Conn exercised for topic auto-creation.
type topicAdmin interface {
	CreateTopics(topics ...kafka.TopicConfig) error
}

// StreamingBus is the long-haul EventBus backend described in spec §4.6, grounded on
// segmentio/kafka-go. It satisfies the same Bus contract as LocalBus; callers never
// branch on which backend is active.
type StreamingBus struct {
	brokers  []string
	clientID string
	log      zerolog.Logger

	publishTimeout time.Duration
	replayTimeout  time.Duration
	maxInFlight    int64
	inFlight       atomic.Int64

	mu     sync.Mutex
	writer messageWriter
	admin  topicAdmin

	createdTopics map[string]bool
}

// NewStreaming creates a Streaming event bus backend. publishTimeout/replayTimeout
// and maxInFlight correspond to bus_publish_timeout_ms, bus_replay_timeout_ms, and
// bus_max_queue_size from spec §6.
func NewStreaming(brokers []string, clientID string, publishTimeout, replayTimeout time.Duration, maxInFlight int, logger zerolog.Logger) *StreamingBus {
	if maxInFlight <= 0 {
		maxInFlight = maxInFlightDefault
	}
	return &StreamingBus{
		brokers:        brokers,
		clientID:       clientID,
		log:            logger.With().Str("component", "eventbus.streaming").Logger(),
		publishTimeout: publishTimeout,
		replayTimeout:  replayTimeout,
		maxInFlight:    int64(maxInFlight),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
		createdTopics: make(map[string]bool),
	}
}

// Publish writes event to the Kafka topic derived from topic, keyed by
// event.PartitionKey. A per-instance in-flight counter refuses publishes past
// maxInFlight with ErrBackpressure. An unknown-topic response triggers one
// create-and-retry before giving up, per spec §4.6.
func (b *StreamingBus) Publish(ctx context.Context, topic string, event Event) error {
	if b.inFlight.Add(1) > b.maxInFlight {
		b.inFlight.Add(-1)
		return ErrBackpressure
	}
	defer b.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	physicalTopic := kafkaTopic(topic)
	msg := kafka.Message{
		Topic: physicalTopic,
		Key:   []byte(event.PartitionKey),
		Value: value,
		Time:  event.Timestamp,
	}

	writeErr := b.writer.WriteMessages(ctx, msg)
	if writeErr == nil {
		return nil
	}
	if !isUnknownTopic(writeErr) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, writeErr)
	}

	// Unknown topic: create it once with the kind's partition/retention profile, then
	// retry exactly once.
	kind := topicKind(topic)
	if err := b.ensureTopic(ctx, physicalTopic, kind); err != nil {
		return fmt.Errorf("%w: create topic %s: %v", ErrUnavailable, physicalTopic, err)
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe starts a Kafka consumer group reader for topic and invokes opts.Callback
// for each message. It returns once the reader goroutine has been started; the
// goroutine runs until ctx is cancelled.
func (b *StreamingBus) Subscribe(ctx context.Context, topic string, opts SubscribeOptions) error {
	if opts.Callback == nil {
		return nil
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    kafkaTopic(topic),
		GroupID:  b.clientID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	go func() {
		defer func() { _ = reader.Close() }()
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Warn().Err(err).Str("topic", topic).Msg("consume error")
				continue
			}
			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				b.log.Warn().Err(err).Str("topic", topic).Msg("unmarshal event")
				continue
			}
			opts.Callback(event)
		}
	}()
	return nil
}

// Replay fetches events from every partition of topic in parallel starting at
// (latest - limit) or from opts.FromTS via timestamp-offset resolution, merges by
// timestamp ascending, filters by kind, and truncates to opts.Limit, per spec §4.6.
func (b *StreamingBus) Replay(ctx context.Context, topic string, opts ReplayOptions) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, b.replayTimeout)
	defer cancel()

	physicalTopic := kafkaTopic(topic)
	partitions, err := b.partitionsFor(ctx, physicalTopic)
	if err != nil {
		return nil, fmt.Errorf("%w: list partitions: %v", ErrUnavailable, err)
	}

	var (
		mu  sync.Mutex
		all []Event
		wg  sync.WaitGroup
	)
	for _, p := range partitions {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := b.readPartition(ctx, physicalTopic, p, opts)
			if err != nil {
				b.log.Warn().Err(err).Str("topic", topic).Int("partition", p).Msg("replay partition failed")
				return
			}
			mu.Lock()
			all = append(all, events...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ErrTimeout
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	var filtered []Event
	for _, e := range all {
		if !opts.FromTS.IsZero() && e.Timestamp.Before(opts.FromTS) {
			continue
		}
		if len(opts.Kinds) > 0 && !containsKind(opts.Kinds, e.Kind) {
			continue
		}
		filtered = append(filtered, e)
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[len(filtered)-opts.Limit:]
	}
	return filtered, nil
}

func (b *StreamingBus) partitionsFor(ctx context.Context, physicalTopic string) ([]int, error) {
	if len(b.brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	parts, err := conn.ReadPartitions(physicalTopic)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (b *StreamingBus) readPartition(ctx context.Context, physicalTopic string, partition int, opts ReplayOptions) ([]Event, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.brokers,
		Topic:     physicalTopic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer func() { _ = reader.Close() }()

	if !opts.FromTS.IsZero() {
		if err := reader.SetOffsetAt(ctx, opts.FromTS); err != nil {
			return nil, err
		}
	} else {
		// kafka-go's LastOffset sentinel combined with a negative relative seek isn't
		// exposed on Reader; approximate "last N" by seeking to the earliest offset
		// covering opts.Limit, which the final merge-and-truncate still bounds.
		offset := int64(0)
		if opts.Limit > 0 {
			offset = -int64(opts.Limit)
		}
		if err := reader.SetOffset(offset); err != nil {
			return nil, err
		}
	}

	var events []Event
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	for i := 0; i < limit; i++ {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			break
		}
		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (b *StreamingBus) ensureTopic(ctx context.Context, physicalTopic, kind string) error {
	b.mu.Lock()
	if b.createdTopics[physicalTopic] {
		b.mu.Unlock()
		return nil
	}
	admin := b.admin
	b.mu.Unlock()

	if admin == nil {
		if len(b.brokers) == 0 {
			return errors.New("no brokers configured")
		}
		conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		admin = conn
	}

	partitions, retentionMS, compact := retentionFor(kind)
	cfg := kafka.TopicConfig{
		Topic:             physicalTopic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}
	if compact {
		cfg.ConfigEntries = []kafka.ConfigEntry{{ConfigName: "cleanup.policy", ConfigValue: "compact"}}
	} else {
		cfg.ConfigEntries = []kafka.ConfigEntry{{ConfigName: "retention.ms", ConfigValue: fmt.Sprintf("%d", retentionMS)}}
	}

	if err := admin.CreateTopics(cfg); err != nil {
		return err
	}

	b.mu.Lock()
	b.createdTopics[physicalTopic] = true
	b.mu.Unlock()
	return nil
}

// Close releases the writer held by the bus.
func (b *StreamingBus) Close() error {
	return b.writer.Close()
}

func isUnknownTopic(err error) bool {
	return errors.Is(err, kafka.UnknownTopicOrPartition)
}

// topicKind extracts the kind suffix from a logical "{fleet}.{kind}" topic.
func topicKind(logicalTopic string) string {
	for i := len(logicalTopic) - 1; i >= 0; i-- {
		if logicalTopic[i] == '.' {
			return logicalTopic[i+1:]
		}
	}
	return logicalTopic
}
