package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"sharedcatalog/models"
)

// ItemSource supplies the participant's own items when a catalog starts.
type ItemSource interface {
	FetchOwnItems(ctx context.Context) ([]models.Item, error)
}

// StaticSource serves a fixed list of items.
type StaticSource []models.Item

func (s StaticSource) FetchOwnItems(context.Context) ([]models.Item, error) {
	out := make([]models.Item, len(s))
	copy(out, s)
	return out, nil
}

// SourceFunc adapts a function to ItemSource.
type SourceFunc func(ctx context.Context) ([]models.Item, error)

func (f SourceFunc) FetchOwnItems(ctx context.Context) ([]models.Item, error) { return f(ctx) }

// FileSource reads own items from a YAML document of the form
//
//	items:
//	  - topic: orders
//	    id: "42"
//	    timestamp: 2024-01-02T15:04:05Z
//	    deleted: false
//	    payload: {sku: A-1, qty: 3}
//
// Every item is owned by Owner.
type FileSource struct {
	Path  string
	Owner models.Participant
}

type fileItem struct {
	Topic     string                 `yaml:"topic"`
	ID        string                 `yaml:"id"`
	Timestamp time.Time              `yaml:"timestamp"`
	Deleted   bool                   `yaml:"deleted"`
	Payload   map[string]interface{} `yaml:"payload"`
}

type fileDoc struct {
	Owner struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"owner"`
	Items []fileItem `yaml:"items"`
}

func (f FileSource) FetchOwnItems(context.Context) ([]models.Item, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read items file: %w", err)
	}
	return ParseItems(data, f.Owner)
}

// ParseItems decodes a YAML item document. An owner declared in the
// document must match owner when both are set.
func ParseItems(data []byte, owner models.Participant) ([]models.Item, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse items: %w", err)
	}
	if doc.Owner.ID != "" {
		id, err := uuid.Parse(doc.Owner.ID)
		if err != nil {
			return nil, fmt.Errorf("parse owner id: %w", err)
		}
		declared := models.Participant{ID: id, Name: doc.Owner.Name}
		if owner.IsZero() {
			owner = declared
		} else if declared != owner {
			return nil, fmt.Errorf("items file owned by %s, catalog owner is %s", declared, owner)
		}
	}

	out := make([]models.Item, 0, len(doc.Items))
	for i, fi := range doc.Items {
		it := models.Item{
			Subject:   models.Subject{Topic: fi.Topic, ID: fi.ID},
			Owner:     owner,
			Timestamp: fi.Timestamp,
			Deleted:   fi.Deleted,
		}
		if fi.Payload != nil {
			b, err := json.Marshal(fi.Payload)
			if err != nil {
				return nil, fmt.Errorf("item %d payload: %w", i, err)
			}
			it.Payload = b
		}
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}
