package library

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/IBM/sarama"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// KafkaNode publishes one message to a Kafka topic. Producers are shared per
// broker list across executions.
type KafkaNode struct {
	mu        sync.Mutex
	producers map[string]sarama.SyncProducer
}

// NewKafkaNode creates a new Kafka node
func NewKafkaNode() *KafkaNode {
	return &KafkaNode{producers: make(map[string]sarama.SyncProducer)}
}

// Type returns the node type
func (n *KafkaNode) Type() string {
	return "kafka"
}

// Metadata returns node metadata
func (n *KafkaNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "kafka",
		Name:        "Kafka",
		Description: "Publish a message to a Kafka topic",
		Category:    "messaging",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Partition and offset of the published message"},
		},
	}
}

// Execute publishes the message parameter, or the node input when no message
// is configured. Non-string messages are JSON encoded.
func (n *KafkaNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	topic := runtime.StringParam(in.Parameters, "topic", "")
	if topic == "" {
		return nil, runtime.ConfigError("topic is required", nil)
	}
	brokers := brokerList(in.Parameters)
	if len(brokers) == 0 {
		return nil, runtime.ConfigError("brokers is required", nil)
	}

	var payload interface{}
	if v, ok := in.Parameters["message"]; ok && v != nil {
		payload = v
	} else {
		payload = in.Input
	}
	value, err := encodeMessage(payload)
	if err != nil {
		return nil, runtime.ConfigError("encoding message failed", err)
	}

	producer, err := n.producer(brokers)
	if err != nil {
		return nil, runtime.TransientError("connecting to kafka failed", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key := runtime.StringParam(in.Parameters, "key", ""); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := producer.SendMessage(msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, runtime.CancelledError("publish cancelled")
		}
		return nil, runtime.TransientError("publishing message failed", err)
	}

	return runtime.MainOutput(map[string]interface{}{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
	}), nil
}

func (n *KafkaNode) producer(brokers []string) (sarama.SyncProducer, error) {
	sorted := append([]string(nil), brokers...)
	sort.Strings(sorted)
	cacheKey := strings.Join(sorted, ",")

	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.producers[cacheKey]; ok {
		return p, nil
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	n.producers[cacheKey] = p
	return p, nil
}

func brokerList(params map[string]interface{}) []string {
	if raw := runtime.SliceParam(params, "brokers"); raw != nil {
		brokers := make([]string, 0, len(raw))
		for _, b := range raw {
			if s, ok := b.(string); ok && s != "" {
				brokers = append(brokers, s)
			}
		}
		return brokers
	}
	if s := runtime.StringParam(params, "brokers", ""); s != "" {
		var brokers []string
		for _, b := range strings.Split(s, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		return brokers
	}
	return nil
}

func encodeMessage(payload interface{}) ([]byte, error) {
	if s, ok := payload.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(payload)
}

func init() {
	runtime.Register(NewKafkaNode())
}
