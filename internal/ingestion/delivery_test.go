package ingestion_test

import (
	"PositionLedger/internal/ingestion"
	"context"
	"sync"
	"testing"
	"time"
)

func TestBatcher_FlushesFullBatches(t *testing.T) {
	in := make(chan ingestion.Delivery, 10)
	for i := 0; i < 5; i++ {
		in <- ingestion.Delivery{Offset: int64(i)}
	}
	close(in)

	var sizes []int
	b := ingestion.NewBatcher(in, 2, time.Hour)
	err := b.Run(context.Background(), func(_ context.Context, batch []ingestion.Delivery) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("batches = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
}

func TestBatcher_FlushesOnTimeout(t *testing.T) {
	in := make(chan ingestion.Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan int, 1)
	b := ingestion.NewBatcher(in, 100, 10*time.Millisecond)
	go b.Run(ctx, func(_ context.Context, batch []ingestion.Delivery) error {
		got <- len(batch)
		return nil
	})

	in <- ingestion.Delivery{Offset: 1}
	select {
	case n := <-got:
		if n != 1 {
			t.Fatalf("batch size = %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout flush did not happen")
	}
}

func TestBatcher_NaksPendingOnShutdown(t *testing.T) {
	in := make(chan ingestion.Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	naked := 0
	in <- ingestion.Delivery{Nak: func() error {
		mu.Lock()
		naked++
		mu.Unlock()
		return nil
	}}

	done := make(chan error, 1)
	b := ingestion.NewBatcher(in, 100, time.Hour)
	go func() {
		done <- b.Run(ctx, func(context.Context, []ingestion.Delivery) error {
			t.Error("handler must not run")
			return nil
		})
	}()

	// give Run a chance to pick the delivery up before shutdown
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if naked != 1 {
		t.Fatalf("naked = %d, want 1", naked)
	}
}

func TestTopics_For(t *testing.T) {
	topics := ingestion.Topics{Position: "position", Notification: "notification", Event: "events"}
	if topics.For(ingestion.OutboundFollowup) != "position" ||
		topics.For(ingestion.OutboundNotification) != "notification" ||
		topics.For(ingestion.OutboundEvent) != "events" {
		t.Fatal("topic routing mismatch")
	}
}
