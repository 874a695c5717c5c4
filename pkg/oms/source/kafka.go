package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cw07/omsflow/pkg/kafkawrapper"
	"github.com/cw07/omsflow/pkg/oms/model"
)

// KafkaSource consumes order records from a kafka topic through a consumer
// group. Offsets are committed on Ack, after durable intake. A message whose
// payload is not a JSON object still yields a RawOrder (with empty data) so
// the intake stage can dead-letter it with a parse reason instead of the
// record being silently skipped.
type KafkaSource struct {
	name     string
	consumer *kafkawrapper.Consumer

	mu      sync.Mutex
	pending map[string]kafka.Message
}

func NewKafkaSource(name string, cfg *kafkawrapper.ConsumerConfig) *KafkaSource {
	if name == "" {
		name = "kafka"
	}
	return &KafkaSource{
		name:     name,
		consumer: kafkawrapper.NewConsumer(cfg),
		pending:  make(map[string]kafka.Message),
	}
}

func (s *KafkaSource) Name() string           { return s.name }
func (s *KafkaSource) Kind() model.SourceKind { return model.SourceKafka }

func (s *KafkaSource) Run(ctx context.Context, intake chan<- *model.RawOrder) error {
	boff := backoff.NewExponentialBackOff()
	for {
		msg, err := s.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := boff.NextBackOff()
			if wait == backoff.Stop {
				return &SourceUnavailableError{Source: s.name, Err: err}
			}
			zap.S().Warnw("kafka fetch failed", "source", s.name, "err", err, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		boff.Reset()

		ref := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		s.mu.Lock()
		s.pending[ref] = msg
		s.mu.Unlock()

		data := map[string]string{}
		_ = json.Unmarshal(msg.Value, &data)

		raw := &model.RawOrder{
			Source: model.SourceKafka,
			Ref:    ref,
			Data:   data,
		}
		if !push(ctx, intake, raw) {
			return ctx.Err()
		}
	}
}

func (s *KafkaSource) Ack(ctx context.Context, ref string) error {
	s.mu.Lock()
	msg, ok := s.pending[ref]
	if ok {
		delete(s.pending, ref)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.consumer.Commit(ctx, msg)
}

func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}
