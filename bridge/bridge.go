// Package bridge routes foreign catalog items into a catalog and forwards
// every handled item to an outbound publisher.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sharedcatalog/catalog"
	"sharedcatalog/logger"
	"sharedcatalog/metrics"
	"sharedcatalog/models"
)

// ErrForward marks an item that was accepted but could not be forwarded.
var ErrForward = errors.New("forward failed")

// Publisher delivers an item to the next hop.
type Publisher interface {
	Publish(ctx context.Context, item models.Item) error
}

type PublisherFunc func(ctx context.Context, item models.Item) error

func (f PublisherFunc) Publish(ctx context.Context, item models.Item) error { return f(ctx, item) }

type Bridge struct {
	Catalog  *catalog.Catalog
	Outbound Publisher
}

func New(c *catalog.Catalog, outbound Publisher) *Bridge {
	return &Bridge{Catalog: c, Outbound: outbound}
}

// Handle accepts a foreign item and then forwards it outbound.
func (b *Bridge) Handle(ctx context.Context, item models.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := b.Catalog.AcceptForeignItem(ctx, item); err != nil {
		return fmt.Errorf("accept %s: %w", item.Subject, err)
	}
	if b.Outbound == nil {
		return nil
	}
	if err := b.Outbound.Publish(ctx, item); err != nil {
		metrics.IncPublishFailures()
		return fmt.Errorf("%w %s: %w", ErrForward, item.Subject, err)
	}
	metrics.IncItemsPublished()
	return nil
}

// Ack routes a received item to the catalog's acknowledgement check.
func (b *Bridge) Ack(ctx context.Context, item models.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return b.Catalog.AcknowledgeReceivedItem(ctx, item)
}

// Run handles items from in until it is closed or ctx is done. Failed
// items are logged and skipped.
func (b *Bridge) Run(ctx context.Context, in <-chan models.Item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			if err := b.Handle(ctx, item); err != nil {
				logger.Error("bridge handle failed", err, logger.FieldKV("subject", item.Subject.String()))
			}
		}
	}
}

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an in-memory staged queue: a buffered channel behind the
// Publisher interface.
type Queue struct {
	ch   chan models.Item
	done chan struct{}
	once sync.Once
}

func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan models.Item, size), done: make(chan struct{})}
}

func (q *Queue) Publish(ctx context.Context, item models.Item) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C is the consuming side of the queue.
func (q *Queue) C() <-chan models.Item { return q.ch }

// Close stops further publishing. Items already queued stay readable.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
