package ingestion

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundKind selects the destination topic of an outbound message.
type OutboundKind int

const (
	OutboundNotification OutboundKind = iota
	OutboundFollowup
	OutboundEvent
)

func (k OutboundKind) String() string {
	switch k {
	case OutboundNotification:
		return "notification"
	case OutboundFollowup:
		return "followup"
	case OutboundEvent:
		return "event"
	default:
		return fmt.Sprintf("OutboundKind(%d)", int(k))
	}
}

// Outbound is one encoded message to publish. Key pins ordering: the
// destination fsp for notifications, the next participantCurrencyId for
// followups.
type Outbound struct {
	Kind OutboundKind
	Key  string
	Data []byte
}

// Topics names the three outbound destinations.
type Topics struct {
	Position     string
	Notification string
	Event        string
}

func (t Topics) For(kind OutboundKind) string {
	switch kind {
	case OutboundFollowup:
		return t.Position
	case OutboundEvent:
		return t.Event
	default:
		return t.Notification
	}
}

// NATSPublisher publishes on <topic>.<key>.
type NATSPublisher struct {
	js     jetstream.JetStream
	topics Topics
}

func NewNATSPublisher(js jetstream.JetStream, topics Topics) *NATSPublisher {
	return &NATSPublisher{js: js, topics: topics}
}

// Publish sends messages in order and stops at the first failure.
func (p *NATSPublisher) Publish(ctx context.Context, msgs []Outbound) error {
	for _, m := range msgs {
		subject := fmt.Sprintf("%s.%s", p.topics.For(m.Kind), m.Key)
		if _, err := p.js.Publish(ctx, subject, m.Data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

func (p *NATSPublisher) Transport() string { return "nats" }

func (p *NATSPublisher) Close() error { return nil }
