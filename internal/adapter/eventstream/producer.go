// Package eventstream publishes domain events onto the Kafka-compatible
// stream consumed by analytics and downstream services. Publishing is
// strictly best-effort: a stream outage degrades nothing but the
// analytics feed.
package eventstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/domain"
)

const (
	ensureTopicTimeout = 30 * time.Second
	closeFlushTimeout  = 5 * time.Second
)

// Producer implements domain.EventPublisher over a franz-go client.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// New dials the brokers, ensures the event topics exist, and returns
// the producer. Callers with no brokers configured use Noop instead.
func New(brokers []string, logger *slog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=eventstream.New: no seed brokers: %w", domain.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "eventstream"))

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=eventstream.New: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ensureTopicTimeout)
	defer cancel()
	for _, topic := range []string{domain.TopicQuizEvents, domain.TopicSocialEvents} {
		if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
			logger.Warn("topic ensure failed, continuing",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}

	logger.Info("event stream producer ready", slog.Any("brokers", brokers))
	return &Producer{client: client, logger: logger}, nil
}

// Publish implements domain.EventPublisher. Fire-and-forget: the
// delivery promise only logs, so request and worker paths never block
// on the stream.
func (p *Producer) Publish(ctx domain.Context, topic, key string, value []byte) {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("event publish failed",
				slog.String("topic", r.Topic),
				slog.String("key", string(r.Key)),
				slog.Any("error", err))
		}
	})
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("event stream flush incomplete", slog.Any("error", err))
	}
	p.client.Close()
}

// ensureTopic creates the topic when missing. TOPIC_ALREADY_EXISTS
// (error code 36) is success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = int32(ensureTopicTimeout.Milliseconds())

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}

// Noop discards events. It stands in for the producer when
// KAFKA_BROKERS is unset.
type Noop struct{}

// Publish implements domain.EventPublisher.
func (Noop) Publish(domain.Context, string, string, []byte) {}

// Close implements the closer the app wiring expects.
func (Noop) Close() {}
