// Package broker implements the process-wide pub/sub substrate described in spec §5:
// topics map to subscriber sets, publication is non-blocking, and every subscriber has
// its own delivery queue. Cross-replica fanout rides Valkey pub/sub so that a presence
// or activity broadcast published on one hub instance reaches sessions attached to a
// sibling instance, exactly as the teacher's gateway.Publisher/Hub.Run pair does for
// its single flat events channel — generalized here to per-topic delivery instead of
// one channel fanning out to every client.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/metrics"
)

// subscriberQueueSize bounds each subscriber's private delivery channel. A slow
// subscriber drops messages past this bound rather than blocking the publisher,
// mirroring the teacher's Client.send buffer discipline.
const subscriberQueueSize = 256

// patterns are the Valkey PSUBSCRIBE patterns covering every topic shape named in
// spec §5: fleet:{id}, fleet:{id}:tag:{t}, fleet:{id}:agent:{a}, memory:{fleet}:{key},
// memory:{fleet}:_all, hub:events, hub:events:{type}.
var patterns = []string{"fleet:*", "memory:*", "hub:events*"}

// Broker is the per-fleet pub/sub substrate. A single Broker instance is shared by
// every component in the process that needs to publish or subscribe to a topic.
type Broker struct {
	rdb *redis.Client
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[int]*subscription
	next int
}

type subscription struct {
	ch chan []byte
}

// New creates a Broker backed by the given Valkey client.
func New(rdb *redis.Client, logger zerolog.Logger) *Broker {
	return &Broker{
		rdb:  rdb,
		log:  logger.With().Str("component", "broker").Logger(),
		subs: make(map[string]map[int]*subscription),
	}
}

// Publish publishes payload to topic via Valkey. Delivery to local subscribers
// happens only when Run's pub/sub loop receives the message back, so a single
// instance delivers to its own subscribers exactly the same way a remote replica's
// subscribers receive it — there is no separate direct-delivery path to avoid
// duplicate local delivery.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a new subscriber for topic and returns its delivery channel and
// a cancel function that must be called to unregister it.
func (b *Broker) Subscribe(topic string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscription{ch: make(chan []byte, subscriberQueueSize)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*subscription)
	}
	b.subs[topic][id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[topic]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	return sub.ch, cancel
}

// Run subscribes to every topic pattern over Valkey and dispatches each received
// message to the topic's local subscribers. It blocks until ctx is cancelled or the
// underlying pub/sub connection fails, mirroring the teacher's Hub.Run loop.
func (b *Broker) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, patterns...)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("broker: pub/sub channel closed")
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// dispatch delivers payload to every local subscriber of topic. Delivery is
// non-blocking: a subscriber whose queue is full has the message dropped and a
// warning logged, rather than stalling the broker for every other subscriber.
func (b *Broker) dispatch(topic string, payload []byte) {
	b.mu.RLock()
	set := b.subs[topic]
	subs := make([]*subscription, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			metrics.BrokerDroppedTotal.Inc()
			b.log.Warn().Str("topic", topic).Msg("subscriber queue full, dropping message")
		}
	}
}
