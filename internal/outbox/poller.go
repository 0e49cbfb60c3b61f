package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// KafkaPublisher writes events keyed by aggregate id so that all events of
// one order land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(topic string, brokers ...string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.AggregateID),
		Value: e.Payload,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID)},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// LogPublisher only logs events. It stands in for Kafka when no broker is
// configured.
type LogPublisher struct{ Log *zap.Logger }

func (p LogPublisher) Publish(_ context.Context, e Event) error {
	p.Log.Info("outbox_event",
		zap.String("event_id", e.ID), zap.String("type", e.Type),
		zap.String("aggregate_id", e.AggregateID), zap.ByteString("payload", e.Payload))
	return nil
}

type Poller struct {
	repo      Repository
	pub       Publisher
	tick      time.Duration
	batchSize int
	log       *zap.Logger
}

func NewPoller(repo Repository, pub Publisher, tick time.Duration, log *zap.Logger) *Poller {
	if tick <= 0 {
		tick = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{repo: repo, pub: pub, tick: tick, batchSize: 100, log: log.With(zap.String("component", "outbox_poller"))}
}

func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.PublishPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// PublishPending relays one batch and returns how many events were published.
// Failed events stay unpublished and are retried on the next tick.
func (p *Poller) PublishPending(ctx context.Context) int {
	events, err := p.repo.Unpublished(ctx, p.batchSize)
	if err != nil {
		p.log.Error("fetch_unpublished_failed", zap.Error(err))
		return 0
	}

	n := 0
	for _, e := range events {
		if err := p.pub.Publish(ctx, e); err != nil {
			p.log.Warn("publish_failed", zap.String("event_id", e.ID), zap.String("event_type", e.Type), zap.Error(err))
			continue
		}
		if err := p.repo.MarkPublished(ctx, e.ID); err != nil {
			p.log.Warn("mark_published_failed", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}
