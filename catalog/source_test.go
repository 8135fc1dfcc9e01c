package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedcatalog/models"
)

const itemsYAML = `
items:
  - topic: testTopic
    id: id1
    timestamp: 2024-01-02T15:04:05Z
    payload:
      value: value1
  - topic: testTopic
    id: id2
    timestamp: 2024-01-02T15:05:05Z
    deleted: true
`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.yaml")
	require.NoError(t, os.WriteFile(path, []byte(itemsYAML), 0o600))

	owner := models.NewParticipant("owner")
	items, err := FileSource{Path: path, Owner: owner}.FetchOwnItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, models.Subject{Topic: "testTopic", ID: "id1"}, items[0].Subject)
	assert.Equal(t, owner, items[0].Owner)
	assert.True(t, items[0].Timestamp.Equal(time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)))
	assert.JSONEq(t, `{"value":"value1"}`, string(items[0].Payload))
	assert.True(t, items[1].Deleted)
	assert.Nil(t, items[1].Payload)
}

func TestParseItemsOwnerMismatch(t *testing.T) {
	doc := `
owner:
  id: 6f1c1d0e-9a49-4c57-8d7b-0b8e3b1f9a10
  name: someone
items: []
`
	_, err := ParseItems([]byte(doc), models.NewParticipant("owner"))
	assert.Error(t, err)

	items, err := ParseItems([]byte(doc), models.Participant{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestParseItemsRejectsInvalid(t *testing.T) {
	doc := `
items:
  - topic: testTopic
    id: id1
`
	_, err := ParseItems([]byte(doc), models.NewParticipant("owner"))
	assert.ErrorIs(t, err, models.ErrInvalidItem)
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}.FetchOwnItems(context.Background())
	assert.Error(t, err)
}
