package app

import (
	"context"
	"errors"
	"testing"

	"github.com/transfa/donation-service/internal/store"
	"github.com/transfa/donation-service/internal/store/storetest"
	"github.com/transfa/donation-service/pkg/rabbitmq"
)

type publisherStub struct {
	published []string
	failNext  error
	closed    int
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	p.published = append(p.published, exchange+"/"+routingKey)
	return nil
}

func (p *publisherStub) Close() { p.closed++ }

func enqueueTestEvent(t *testing.T, repo *storetest.MemoryRepository, routingKey string) {
	t.Helper()
	err := repo.RunInTx(context.Background(), func(tx store.LedgerTx) error {
		return tx.EnqueueEvent(context.Background(), "donation_events", routingKey, map[string]string{"eventType": routingKey})
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestOutboxDispatcherPublishesAndMarks(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	enqueueTestEvent(t, repo, "donation.completed")
	enqueueTestEvent(t, repo, "donation.failed")

	pub := &publisherStub{}
	d := NewOutboxDispatcherWithFactory(repo, func() (rabbitmq.Publisher, error) { return pub, nil }, 0)

	if err := d.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce: %v", err)
	}
	if len(pub.published) != 2 || pub.published[0] != "donation_events/donation.completed" {
		t.Fatalf("unexpected publishes: %v", pub.published)
	}
	for _, rec := range repo.Outbox() {
		if rec.Status != "published" {
			t.Fatalf("expected message %d published, got %s", rec.ID, rec.Status)
		}
	}

	// Published rows are not claimed again.
	if err := d.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce: %v", err)
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected no republish, got %v", pub.published)
	}
}

func TestOutboxDispatcherBacksOffOnPublishFailure(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	enqueueTestEvent(t, repo, "donation.completed")

	pub := &publisherStub{failNext: errors.New("channel closed")}
	factoryCalls := 0
	d := NewOutboxDispatcherWithFactory(repo, func() (rabbitmq.Publisher, error) {
		factoryCalls++
		return pub, nil
	}, 0)

	if err := d.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce: %v", err)
	}
	rec := repo.Outbox()[0]
	if rec.Status != "pending" || rec.LastError != "channel closed" {
		t.Fatalf("expected pending with error, got %s %q", rec.Status, rec.LastError)
	}
	if pub.closed != 1 || d.producer != nil {
		t.Fatalf("expected producer to be closed and dropped")
	}

	// Not due yet: the retry delay keeps it out of the next claim.
	if err := d.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce: %v", err)
	}
	if len(pub.published) != 0 || factoryCalls != 1 {
		t.Fatalf("expected no retry before backoff, publishes=%v factoryCalls=%d", pub.published, factoryCalls)
	}
}

func TestOutboxDispatcherRejectsInvalidPayload(t *testing.T) {
	d := NewOutboxDispatcherWithFactory(storetest.NewMemoryRepository(), func() (rabbitmq.Publisher, error) {
		t.Fatal("publisher should not be opened")
		return nil, nil
	}, 0)
	err := d.publishMessage(context.Background(), store.OutboxMessage{ID: 1, Payload: []byte("{")})
	if !errors.Is(err, errInvalidOutboxPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	cases := map[int]int{0: 1, 1: 2, 3: 8, 8: 256, 9: 256, 20: 256}
	for attempt, want := range cases {
		if got := retryDelaySeconds(attempt); got != want {
			t.Fatalf("retryDelaySeconds(%d) = %d, want %d", attempt, got, want)
		}
	}
}
