// Package kafka streams execution lifecycle events to a Kafka topic so other
// systems can consume execution history without polling the API.
package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
)

// Sink forwards engine events to one Kafka topic. Messages are keyed by
// workflow id, so all events of one workflow land on one partition in order.
type Sink struct {
	producer sarama.AsyncProducer
	topic    string
	log      logger.Logger

	unsubscribe func()
	done        chan struct{}
}

// NewSink connects the producer. Call Run with the engine's event bus to
// start forwarding.
func NewSink(brokers []string, topic string, log logger.Logger) (*Sink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Sink{
		producer: producer,
		topic:    topic,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Run subscribes to the bus and forwards events until Close is called.
func (s *Sink) Run(events *engine.Events) {
	ch, unsubscribe := events.Subscribe(256)
	s.unsubscribe = unsubscribe

	go s.drainErrors()
	go func() {
		defer close(s.done)
		for evt := range ch {
			s.forward(evt)
		}
	}()
}

func (s *Sink) forward(evt engine.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.log.Error("encoding event failed", "event_id", evt.ID, "error", err)
		return
	}

	s.producer.Input() <- &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.WorkflowID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(evt.Type)},
		},
		Timestamp: evt.Timestamp,
	}
}

func (s *Sink) drainErrors() {
	for err := range s.producer.Errors() {
		s.log.Error("kafka publish failed", "topic", s.topic, "error", err.Err)
	}
}

// Close stops forwarding and shuts the producer down.
func (s *Sink) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		<-s.done
	}
	return s.producer.Close()
}
