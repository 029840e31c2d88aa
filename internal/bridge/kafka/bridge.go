// Package kafka implements an optional external ingestion bridge that
// consumes from a Kafka/Redpanda cluster and republishes every record
// onto Synap's own pub/sub router, so external producers can feed Synap
// topics without speaking its native protocol — the ambient "accept work
// from elsewhere" idiom adapted from "broadcast a token event to
// websocket clients" to "publish a record onto a Synap topic."
package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/synaplabs/synap/internal/pubsub"
)

// TopicMapper turns a Kafka topic name into the Synap pub/sub topic its
// records should be published to. The default replaces every '-' in the
// Kafka topic name with '.' (so "orders-created" maps to "orders.created").
type TopicMapper func(kafkaTopic string) string

// Config bundles a Bridge's tunables.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Mapper        TopicMapper
	Router        *pubsub.Router
	Logger        zerolog.Logger
}

// Bridge wraps a franz-go consumer group that republishes every record
// it receives onto the Synap pub/sub router.
type Bridge struct {
	cfg    Config
	client *kgo.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	processed uint64
	failed    uint64
}

// New constructs a Bridge. Connecting happens in Start.
func New(cfg Config) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("bridge: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("bridge: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("bridge: at least one topic is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("bridge: router is required")
	}
	if cfg.Mapper == nil {
		cfg.Mapper = func(kafkaTopic string) string { return strings.ReplaceAll(kafkaTopic, "-", ".") }
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", assigned).Msg("bridge: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", revoked).Msg("bridge: partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{cfg: cfg, client: client, ctx: ctx, cancel: cancel}, nil
}

// Start begins consuming in a background goroutine.
func (b *Bridge) Start() {
	b.cfg.Logger.Info().Strs("topics", b.cfg.Topics).Msg("bridge: starting kafka consumer")
	b.wg.Add(1)
	go b.consumeLoop()
}

// Stop cancels consumption and closes the client.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
	b.client.Close()
	b.mu.Lock()
	processed, failed := b.processed, b.failed
	b.mu.Unlock()
	b.cfg.Logger.Info().Uint64("processed", processed).Uint64("failed", failed).Msg("bridge: stopped")
}

func (b *Bridge) consumeLoop() {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Logger.Error().Interface("panic", r).Msg("bridge: consume loop panic recovered")
		}
	}()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}
		fetches := b.client.PollFetches(b.ctx)
		if b.ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			b.cfg.Logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("bridge: fetch error")
		}
		fetches.EachRecord(b.processRecord)
	}
}

func (b *Bridge) processRecord(record *kgo.Record) {
	topic := b.cfg.Mapper(record.Topic)
	b.cfg.Router.Publish(topic, record.Value)
	b.mu.Lock()
	b.processed++
	b.mu.Unlock()
}
