package server

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"deskline/internal/engine"
)

const kafkaMirrorInterval = 2 * time.Second

// kafkaMirror copies the event log to a Kafka topic, best-effort. A write
// failure leaves the cursor in place so delivery stays at-least-once;
// consumers must treat events as idempotent hints.
type kafkaMirror struct {
	engine engine.Engine
	writer *kafka.Writer
	cursor int64
}

func newKafkaMirror(e engine.Engine, brokers, topic string) *kafkaMirror {
	return &kafkaMirror{
		engine: e,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(parseBrokers(brokers)...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (m *kafkaMirror) run(ctx context.Context) {
	defer m.writer.Close()
	if cur, err := m.engine.Repo.LatestEventID(ctx); err == nil {
		m.cursor = cur
	}
	ticker := time.NewTicker(kafkaMirrorInterval)
	defer ticker.Stop()
	for {
		m.mirror(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *kafkaMirror) mirror(ctx context.Context) {
	events, err := m.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, m.cursor, "", "")
	if err != nil {
		log.Printf("kafka: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		body, err := json.Marshal(toEventResponse(evt))
		if err != nil {
			log.Printf("kafka: marshal event %d: %v", evt.ID, err)
			m.cursor = evt.ID
			continue
		}
		msg := kafka.Message{
			Key:   []byte(evt.EntityKind + ":" + evt.EntityID),
			Value: body,
		}
		if err := m.writer.WriteMessages(ctx, msg); err != nil {
			log.Printf("kafka: write event %d: %v", evt.ID, err)
			return
		}
		m.cursor = evt.ID
	}
}

func parseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
