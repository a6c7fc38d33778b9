// Package events publishes confirmed messages to kafka so downstream
// consumers (notifications, search indexing) see the same stream the
// clients do.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/models"
)

type Publisher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewPublisher(brokers []string, topic string, log *zap.SugaredLogger) *Publisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &Publisher{writer: w, log: log}
}

// PublishConfirmed is fire-and-forget: a broker outage must never fail
// a send that already durably committed.
func (p *Publisher) PublishConfirmed(ctx context.Context, msg models.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.GroupID),
		Value: b,
	})
	if err != nil {
		p.log.Warnw("publish confirmed message", "group", msg.GroupID, "err", err)
	}
}

func (p *Publisher) Close() error { return p.writer.Close() }
