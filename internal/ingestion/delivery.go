package ingestion

import (
	"context"
	"log"
	"time"
)

// Delivery is one consumed position message, transport independent.
// Ack commits the message; Nak leaves it for redelivery.
type Delivery struct {
	Key       string // participantCurrencyId the producer keyed the message by
	Partition string
	Offset    int64
	Data      []byte
	Received  time.Time
	Ack       func() error
	Nak       func() error
}

// Consumer feeds deliveries into out until ctx is cancelled or Stop is called.
type Consumer interface {
	Start(ctx context.Context, out chan<- Delivery) error
	Stop()
}

// BatchHandler processes one batch. Acknowledgement is the handler's job.
type BatchHandler func(ctx context.Context, batch []Delivery) error

// Batcher drains deliveries and hands them over in batches, flushing when
// the batch is full or the timeout expires.
type Batcher struct {
	in      <-chan Delivery
	size    int
	timeout time.Duration
}

func NewBatcher(in <-chan Delivery, size int, timeout time.Duration) *Batcher {
	if size <= 0 {
		size = 1
	}
	return &Batcher{in: in, size: size, timeout: timeout}
}

// Run blocks until ctx is cancelled or the input channel is closed. A batch
// pending at shutdown is NAKed so the bus redelivers it.
func (b *Batcher) Run(ctx context.Context, handle BatchHandler) error {
	batch := make([]Delivery, 0, b.size)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := handle(ctx, batch); err != nil {
			log.Printf("ERROR: batch of %d failed: %v", len(batch), err)
		}
		batch = make([]Delivery, 0, b.size)
	}

	for {
		select {
		case <-ctx.Done():
			nakAll(batch)
			return ctx.Err()

		case d, ok := <-b.in:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, d)
			if len(batch) >= b.size {
				flush()
				resetTimer(timer, b.timeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(b.timeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func nakAll(batch []Delivery) {
	for _, d := range batch {
		if d.Nak != nil {
			if err := d.Nak(); err != nil {
				log.Printf("WARN: nak %s/%d: %v", d.Partition, d.Offset, err)
			}
		}
	}
}
