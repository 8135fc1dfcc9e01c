package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"sharedcatalog/catalog"
	"sharedcatalog/models"
)

func newCatalog(t *testing.T, owner models.Participant) *catalog.Catalog {
	t.Helper()
	c := catalog.New(owner, nil, nil, catalog.WithTopics("testTopic"))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c
}

func foreign(id string, ms int64, owner models.Participant) models.Item {
	return models.Item{
		Subject:   models.Subject{Topic: "testTopic", ID: id},
		Owner:     owner,
		Timestamp: time.UnixMilli(ms),
	}
}

func TestHandleAcceptsAndForwards(t *testing.T) {
	c := newCatalog(t, models.NewParticipant("owner"))
	q := NewQueue(3)
	b := New(c, q)
	p1 := models.NewParticipant("participant1")

	for i, id := range []string{"id1", "id2", "id3"} {
		if err := b.Handle(context.Background(), foreign(id, int64(100*(i+1)), p1)); err != nil {
			t.Fatalf("handle %s: %v", id, err)
		}
	}
	if got := len(q.C()); got != 3 {
		t.Fatalf("expected 3 forwarded items, got %d", got)
	}
	expected, err := c.ExpectedItems(context.Background())
	if err != nil {
		t.Fatalf("expected items: %v", err)
	}
	if len(expected) != 3 {
		t.Errorf("expected 3 expected items, got %d", len(expected))
	}
}

func TestHandleRejectsInvalid(t *testing.T) {
	b := New(newCatalog(t, models.NewParticipant("owner")), NewQueue(1))
	err := b.Handle(context.Background(), models.Item{})
	if !errors.Is(err, models.ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem, got %v", err)
	}
}

func TestHandlePublishFailure(t *testing.T) {
	boom := errors.New("boom")
	b := New(newCatalog(t, models.NewParticipant("owner")), PublisherFunc(func(context.Context, models.Item) error {
		return boom
	}))
	err := b.Handle(context.Background(), foreign("id1", 1, models.NewParticipant("p1")))
	if !errors.Is(err, boom) || !errors.Is(err, ErrForward) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestAck(t *testing.T) {
	c := newCatalog(t, models.NewParticipant("owner"))
	b := New(c, nil)
	p1 := models.NewParticipant("p1")
	if err := b.Handle(context.Background(), foreign("id1", 100, p1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := b.Ack(context.Background(), foreign("id1", 100, p1)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	ok, err := c.Acknowledged(context.Background())
	if err != nil || !ok {
		t.Errorf("expected acknowledged catalog, got %v (%v)", ok, err)
	}
}

func TestRunDrainsUntilClosed(t *testing.T) {
	c := newCatalog(t, models.NewParticipant("owner"))
	q := NewQueue(2)
	b := New(c, q)
	in := make(chan models.Item, 2)
	in <- foreign("id1", 1, models.NewParticipant("p1"))
	in <- models.Item{} // invalid, skipped
	close(in)

	if err := b.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(q.C()); got != 1 {
		t.Errorf("expected 1 forwarded item, got %d", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	b := New(newCatalog(t, models.NewParticipant("owner")), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx, make(chan models.Item)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()
	if err := q.Publish(context.Background(), models.Item{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
