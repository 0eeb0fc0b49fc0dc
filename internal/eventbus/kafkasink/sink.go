// Package kafkasink mirrors bus events to a Kafka topic as JSON.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"signupbot/internal/eventbus"
	logx "signupbot/pkg/logx"
)

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	w   MessageWriter
	log logx.Logger
}

// New builds a hash-balanced writer so events of one poll keep their order.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka: empty topic")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewWithWriter(w, log), nil
}

func NewWithWriter(w MessageWriter, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{w: w, log: log}
}

func encode(e eventbus.Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	key := e.Key
	if key == "" {
		key = e.Type
	}
	return kafka.Message{Key: []byte(key), Value: data, Time: e.Time}, nil
}

// Run forwards events until ctx is done or the channel closes.
// Failed writes are logged and dropped.
func (s *Sink) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := encode(e)
			if err != nil {
				s.log.Warn("kafka encode failed", logx.Err(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = s.w.WriteMessages(wctx, msg)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Warn("kafka write failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Sink) Close() error { return s.w.Close() }
