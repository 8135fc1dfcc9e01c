package kafka

import (
	"context"

	"sharedcatalog/models"
)

// Producer implements bridge.Publisher on top of Writer.
type Producer struct{ Topic string }

func (p Producer) Publish(ctx context.Context, item models.Item) error {
	return Writer(ctx, p.Topic, item)
}
