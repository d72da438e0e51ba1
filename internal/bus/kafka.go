package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one bus record. Key selects the partition, so everything keyed
// by the same notification_id stays ordered.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Publisher is the producing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// Producer wraps the process-wide kafka writer. One Producer is shared by
// every component that publishes; the writer is safe for concurrent use.
type Producer struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

func NewProducer(brokers []string, clientID string, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Transport:    &kafka.Transport{ClientID: clientID},
	}
	return &Producer{
		writer:  writer,
		brokers: brokers,
		logger:  logger.With("component", "bus_producer"),
	}
}

// Publish writes the messages in one batch. The write either covers the
// whole batch or returns an error; callers treat a failed batch as
// unpublished and rely on their own redelivery path.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		records[i] = kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value}
	}
	return p.writer.WriteMessages(ctx, records...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Health dials the first broker and lists the cluster, for the readiness
// endpoint.
func (p *Producer) Health(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return errors.New("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return err
	}
	return nil
}

// Handler processes one message. A nil return commits the offset. An error
// means transient infrastructure trouble: the same message is retried in
// place with capped backoff and the offset stays uncommitted, so a crash
// redelivers it. Business outcomes (validation failures, provider verdicts)
// are terminal decisions handlers make internally and never surface here.
type Handler func(ctx context.Context, msg Message) error

// Consumer wraps one kafka reader bound to a (topic, consumer group) pair
// with explicit offset commits.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
		// CommitInterval 0 keeps commits synchronous; offsets never run
		// ahead of handled messages.
		CommitInterval: 0,
	})
	return &Consumer{
		reader: reader,
		logger: logger.With("topic", topic, "group", groupID),
	}
}

// Run fetches, handles and commits until ctx is cancelled or the reader is
// closed.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if !c.handleWithRetry(ctx, msg, handler) {
			// Context ended mid-retry; leave the offset uncommitted so
			// the message is redelivered.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to commit offset",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message, handler Handler) bool {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for attempt := 1; ; attempt++ {
		err := handler(ctx, Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value})
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.logger.Warn("handler failed, retrying in place",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
