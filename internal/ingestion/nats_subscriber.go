package ingestion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber consumes position messages from a JetStream durable
// consumer. Producers publish on <topic>.<participantCurrencyId>, so the last
// subject token is the message key.
type NATSSubscriber struct {
	js       jetstream.JetStream
	stream   string
	topic    string
	consumer string
	cc       jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, stream, topic, consumer string) *NATSSubscriber {
	return &NATSSubscriber{js: js, stream: stream, topic: topic, consumer: consumer}
}

// Start creates the durable consumer (explicit ack, max_deliver=5,
// ack_wait=30s) and begins pushing deliveries to out.
func (ns *NATSSubscriber) Start(ctx context.Context, out chan<- Delivery) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, ns.stream, jetstream.ConsumerConfig{
		Durable:       ns.consumer,
		FilterSubject: ns.topic + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ns.consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		d := Delivery{
			Key:       subjectKey(msg.Subject()),
			Partition: msg.Subject(),
			Data:      msg.Data(),
			Received:  time.Now(),
			Ack:       msg.Ack,
			Nak:       msg.Nak,
		}
		if meta, err := msg.Metadata(); err == nil {
			d.Offset = int64(meta.Sequence.Stream)
		}

		select {
		case out <- d:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ns.consumer, err)
	}

	ns.cc = cc
	log.Printf("INFO: subscribed to %s.> (consumer=%s)", ns.topic, ns.consumer)
	return nil
}

func (ns *NATSSubscriber) Stop() {
	if ns.cc != nil {
		ns.cc.Stop()
	}
	log.Println("INFO: NATS subscriber stopped")
}

func subjectKey(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// EnsureStreams creates the position, notification and event streams.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, topics ...string) error {
	for _, topic := range topics {
		cfg := jetstream.StreamConfig{
			Name:      strings.ToUpper(topic),
			Subjects:  []string{topic + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
