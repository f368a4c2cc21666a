package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConsumer reads the position topic as part of a consumer group.
// Offsets are committed only through Delivery.Ack; an un-acked message is
// redelivered after the next rebalance or restart.
type KafkaConsumer struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafkaConsumer(brokers []string, topic, groupID string) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        100 * time.Millisecond,
			CommitInterval: 0, // synchronous commits
		}),
	}
}

// Start fetches messages in a goroutine until ctx is cancelled.
func (kc *KafkaConsumer) Start(ctx context.Context, out chan<- Delivery) error {
	ctx, kc.cancel = context.WithCancel(ctx)
	kc.done = make(chan struct{})

	go func() {
		defer close(kc.done)
		for {
			m, err := kc.reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				log.Printf("WARN: kafka fetch: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			msg := m
			d := Delivery{
				Key:       string(msg.Key),
				Partition: strconv.Itoa(msg.Partition),
				Offset:    msg.Offset,
				Data:      msg.Value,
				Received:  time.Now(),
				Ack: func() error {
					return kc.reader.CommitMessages(context.Background(), msg)
				},
				Nak: func() error { return nil },
			}

			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("INFO: kafka consumer started (topic=%s)", kc.reader.Config().Topic)
	return nil
}

func (kc *KafkaConsumer) Stop() {
	if kc.cancel != nil {
		kc.cancel()
		<-kc.done
	}
	if err := kc.reader.Close(); err != nil {
		log.Printf("WARN: kafka reader close: %v", err)
	}
	log.Println("INFO: kafka consumer stopped")
}

// KafkaPublisher writes to the three outbound topics. The Hash balancer
// keeps every message with the same key on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topics Topics
}

func NewKafkaPublisher(brokers []string, topics Topics) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		topics: topics,
	}
}

// Publish writes all messages in one call. kafka-go keeps per-partition order.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs []Outbound) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Topic: p.topics.For(m.Kind),
			Key:   []byte(m.Key),
			Value: m.Data,
		})
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka write %d messages: %w", len(out), err)
	}
	return nil
}

func (p *KafkaPublisher) Transport() string { return "kafka" }

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
