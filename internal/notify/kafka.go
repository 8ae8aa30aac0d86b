package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Codec        string
	WriteTimeout time.Duration
	// QueueSize bounds the events waiting for the broker.
	QueueSize int
	Logger    zerolog.Logger
}

const defaultKafkaQueue = 256

// ErrQueueFull is returned when the broker falls too far behind.
var ErrQueueFull = errors.New("notify: kafka queue full")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notify: kafka notifier closed")

// KafkaNotifier publishes events to a topic keyed by identifier so one
// identifier's alarm lifecycle stays ordered within a partition. Notify
// only enqueues; a single sender goroutine publishes in enqueue order.
type KafkaNotifier struct {
	writer  messageWriter
	codec   Codec
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("notify: kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("notify: at least one kafka broker is required")
	}
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: timeout,
	}
	return newKafkaNotifier(w, codec, timeout, cfg.QueueSize, cfg.Logger), nil
}

func newKafkaNotifier(w messageWriter, codec Codec, timeout time.Duration, queueSize int, log zerolog.Logger) *KafkaNotifier {
	if queueSize <= 0 {
		queueSize = defaultKafkaQueue
	}
	k := &KafkaNotifier{
		writer:  w,
		codec:   codec,
		timeout: timeout,
		log:     log.With().Str("component", "kafka-notifier").Logger(),
		queue:   make(chan kafka.Message, queueSize),
		done:    make(chan struct{}),
	}
	go k.publish()
	return k
}

// Notify encodes ev and queues it without waiting for the broker.
func (k *KafkaNotifier) Notify(_ context.Context, ev Event) error {
	value, err := k.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event %s: %w", ev.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Identifier),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "content-type", Value: []byte(k.codec.ContentType())},
			{Key: "id", Value: []byte(ev.ID)},
		},
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrClosed
	}
	select {
	case k.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: dropping event %s", ErrQueueFull, ev.ID)
	}
}

func (k *KafkaNotifier) publish() {
	defer close(k.done)
	for msg := range k.queue {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		err := k.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			k.log.Error().Err(err).Str("key", string(msg.Key)).Msg("publish event failed")
		}
	}
}

// Close stops accepting events, waits for the queued ones to be published
// and closes the writer.
func (k *KafkaNotifier) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	<-k.done
	return k.writer.Close()
}
