package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedcatalog/models"
)

const testTopic = "testTopic"

func item(id string, ms int64, deleted bool, owner models.Participant) models.Item {
	return models.Item{
		Subject:   models.Subject{Topic: testTopic, ID: id},
		Owner:     owner,
		Timestamp: time.UnixMilli(ms),
		Deleted:   deleted,
		Payload:   json.RawMessage(`{"value":"value-` + id + `"}`),
	}
}

type ackRecorder struct {
	mu   sync.Mutex
	acks map[models.Subject]models.AckItem
}

func (r *ackRecorder) handle(s models.Subject, a models.AckItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acks == nil {
		r.acks = make(map[models.Subject]models.AckItem)
	}
	r.acks[s] = a
}

func (r *ackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks)
}

type fixture struct {
	ctx          context.Context
	owner        models.Participant
	participant1 models.Participant
	catalog      *Catalog
	acks         *ackRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ctx:          context.Background(),
		owner:        models.NewParticipant("owner"),
		participant1: models.NewParticipant("participant1"),
		acks:         &ackRecorder{},
	}
	own := StaticSource{
		item("id1", 100, false, f.owner),
		item("id2", 200, false, f.owner),
		item("id3", 100, false, f.owner),
	}
	opts = append([]Option{WithTopics(testTopic), WithAckHandler(f.acks.handle)}, opts...)
	f.catalog = New(f.owner, NewMemoryStore(), own, opts...)
	require.NoError(t, f.catalog.Start(f.ctx))
	return f
}

func (f *fixture) acceptAll(t *testing.T, items ...models.Item) {
	t.Helper()
	for _, it := range items {
		require.NoError(t, f.catalog.AcceptForeignItem(f.ctx, it))
	}
}

func TestStartQueuesOwnItems(t *testing.T) {
	f := newFixture(t)
	share, err := f.catalog.ItemsToShare(f.ctx)
	require.NoError(t, err)
	assert.Len(t, share, 3)
	assert.Equal(t, "id1", share[0].Subject.ID)

	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok, "nothing expected right after start")
}

func TestStartSkipsDeletedAndUnsupported(t *testing.T) {
	owner := models.NewParticipant("owner")
	other := item("other", 100, false, owner)
	other.Subject.Topic = "otherTopic"
	c := New(owner, nil, StaticSource{
		item("live", 100, false, owner),
		item("gone", 100, true, owner),
		other,
	}, WithTopics(testTopic))
	require.NoError(t, c.Start(context.Background()))

	share, err := c.ItemsToShare(context.Background())
	require.NoError(t, err)
	require.Len(t, share, 1)
	assert.Equal(t, "live", share[0].Subject.ID)
}

func TestTwoParticipantUpdated(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t,
		item("id1", 50, false, f.participant1),
		item("id2", 200, false, f.participant1),
		item("id3", 300, false, f.participant1),
	)
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id3", 300, false, f.participant1)))

	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	report, err := f.catalog.AckReport(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	require.Len(t, report.Items, 1)
	ack := report.Items[models.Subject{Topic: testTopic, ID: "id3"}]
	assert.True(t, ack.OK)
	assert.Equal(t, f.participant1, ack.By)
	assert.Equal(t, time.UnixMilli(300), ack.When)
	assert.Equal(t, 1, f.acks.count())

	share, err := f.catalog.ItemsToShare(f.ctx)
	require.NoError(t, err)
	assert.Len(t, share, 2, "id3 was superseded by the foreign version")
}

func TestTwoParticipantNewer(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t,
		item("id1", 50, false, f.participant1),
		item("id2", 200, false, f.participant1),
		item("id4", 100, false, f.participant1),
	)
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id4", 300, false, f.participant1)))

	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	share, err := f.catalog.ItemsToShare(f.ctx)
	require.NoError(t, err)
	assert.Len(t, share, 3, "no own item is superseded")

	report, err := f.catalog.AckReport(f.ctx)
	require.NoError(t, err)
	assert.Len(t, report.Items, 1)
}

func TestTwoParticipantDelete(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t,
		item("id1", 50, false, f.participant1),
		item("id2", 200, false, f.participant1),
		item("id3", 300, true, f.participant1),
	)
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id3", 300, true, f.participant1)))

	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	report, err := f.catalog.AckReport(f.ctx)
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	assert.True(t, report.Items[models.Subject{Topic: testTopic, ID: "id3"}].Deleted)
}

func TestTwoParticipantsWrong(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t,
		item("id1", 50, false, f.participant1),
		item("id2", 200, false, f.participant1),
		item("id3", 300, false, f.participant1),
	)
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id3", 300, true, f.participant1)))

	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	report, err := f.catalog.AckReport(f.ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.Len(t, report.Items, 1)
	assert.False(t, report.Items[models.Subject{Topic: testTopic, ID: "id3"}].OK)
	assert.Equal(t, 0, f.acks.count())
}

func TestParallel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.catalog.AcceptForeignCatalog(f.ctx, []models.Item{
		item("id1", 50, false, f.participant1),
		item("id2", 200, false, f.participant1),
		item("id3", 300, false, f.participant1),
	}))
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id3", 300, false, f.participant1)))

	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	report, err := f.catalog.AckReport(f.ctx)
	require.NoError(t, err)
	assert.Len(t, report.Items, 1)
}

func TestParallelMatchesSerial(t *testing.T) {
	for _, quiet := range []time.Duration{0, 100 * time.Millisecond} {
		t.Run(quiet.String(), func(t *testing.T) {
			serial := newFixture(t, WithQuietPeriod(quiet))
			parallel := newFixture(t, WithQuietPeriod(quiet), WithFanOut(4))

			var items []models.Item
			for i := 0; i < 200; i++ {
				id := []string{"id1", "id2", "id3", "id4", "id5"}[i%5]
				items = append(items, item(id, int64(i*10), i%7 == 0, serial.participant1))
			}
			serial.acceptAll(t, items...)
			require.NoError(t, parallel.catalog.AcceptForeignCatalog(parallel.ctx, items))

			want, err := serial.catalog.ExpectedItems(serial.ctx)
			require.NoError(t, err)
			got, err := parallel.catalog.ExpectedItems(parallel.ctx)
			require.NoError(t, err)
			require.Equal(t, len(want), len(got))
			for i := range want {
				assert.Equal(t, want[i].Subject, got[i].Subject)
				assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "subject %s", want[i].Subject)
			}
		})
	}
}

// Within the quiet period the first version of a subject wins, so a batch
// must apply versions of one subject in the order given.
func TestCatalogKeepsVersionOrderWithinQuietPeriod(t *testing.T) {
	for run := 0; run < 50; run++ {
		f := newFixture(t, WithQuietPeriod(100*time.Millisecond), WithFanOut(8))
		batch := []models.Item{
			item("id7", 10, false, f.participant1),
			item("id9", 100, false, f.participant1),
			item("id8", 20, false, f.participant1),
			item("id9", 150, false, f.participant1),
		}
		require.NoError(t, f.catalog.AcceptForeignCatalog(f.ctx, batch))

		expected, err := f.catalog.ExpectedItems(f.ctx)
		require.NoError(t, err)
		require.Len(t, expected, 3)
		assert.Equal(t, "id9", expected[2].Subject.ID)
		assert.Equal(t, int64(100), expected[2].Timestamp.UnixMilli(), "run %d", run)
	}
}

func TestAckReportIsConsistentDuringAcknowledge(t *testing.T) {
	f := newFixture(t)
	var items []models.Item
	for i := 0; i < 50; i++ {
		items = append(items, item(fmt.Sprintf("foreign-%02d", i), 500, false, f.participant1))
	}
	f.acceptAll(t, items...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, it := range items {
			_ = f.catalog.AcknowledgeReceivedItem(f.ctx, it)
		}
	}()
	for {
		report, err := f.catalog.AckReport(f.ctx)
		require.NoError(t, err)
		require.Len(t, report.Items, len(items))
		select {
		case <-done:
			report, err = f.catalog.AckReport(f.ctx)
			require.NoError(t, err)
			assert.True(t, report.OK)
			return
		default:
		}
	}
}

func TestOwnItemsFromSelfAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t, item("id9", 500, false, f.owner))
	expected, err := f.catalog.ExpectedItems(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, expected)
}

func TestUnsupportedTopicIsIgnored(t *testing.T) {
	f := newFixture(t)
	other := item("id9", 500, false, f.participant1)
	other.Subject.Topic = "unknown"
	f.acceptAll(t, other)
	expected, err := f.catalog.ExpectedItems(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, expected)
}

func TestNewerForeignVersionReplacesExpected(t *testing.T) {
	f := newFixture(t)
	participant2 := models.NewParticipant("participant2")
	f.acceptAll(t,
		item("id4", 100, false, f.participant1),
		item("id4", 400, false, participant2),
		item("id4", 300, false, f.participant1),
	)
	expected, err := f.catalog.ExpectedItems(f.ctx)
	require.NoError(t, err)
	require.Len(t, expected, 1)
	assert.Equal(t, participant2, expected[0].Owner)

	// An ack from the superseded owner does not count.
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id4", 400, false, f.participant1)))
	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id4", 400, false, participant2)))
	ok, err = f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOlderReceivedItemIsRejected(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t, item("id3", 300, false, f.participant1))
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id3", 250, false, f.participant1)))
	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuietPeriod(t *testing.T) {
	f := newFixture(t, WithQuietPeriod(100*time.Millisecond))
	// 150 is within the quiet period of the own 100 version.
	f.acceptAll(t, item("id1", 150, false, f.participant1))
	expected, err := f.catalog.ExpectedItems(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, expected)

	f.acceptAll(t, item("id1", 201, false, f.participant1))
	expected, err = f.catalog.ExpectedItems(f.ctx)
	require.NoError(t, err)
	assert.Len(t, expected, 1)

	// A received copy slightly older than expected is tolerated.
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id1", 180, false, f.participant1)))
	ok, err := f.catalog.Acknowledged(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSecondAckDoesNotFireHandler(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t, item("id4", 100, false, f.participant1))
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id4", 100, false, f.participant1)))
	f.acceptAll(t, item("id4", 200, false, f.participant1))
	require.NoError(t, f.catalog.AcknowledgeReceivedItem(f.ctx, item("id4", 200, false, f.participant1)))

	assert.Equal(t, 1, f.acks.count())
	report, err := f.catalog.AckReport(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(200), report.Items[models.Subject{Topic: testTopic, ID: "id4"}].When)
}

func TestNotStarted(t *testing.T) {
	owner := models.NewParticipant("owner")
	c := New(owner, nil, nil, WithTopics(testTopic))
	err := c.AcceptForeignItem(context.Background(), item("id1", 1, false, models.NewParticipant("p")))
	assert.ErrorIs(t, err, ErrNotStarted)
	err = c.AcknowledgeReceivedItem(context.Background(), item("id1", 1, false, models.NewParticipant("p")))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRestartClearsState(t *testing.T) {
	f := newFixture(t)
	f.acceptAll(t, item("id4", 100, false, f.participant1))
	require.NoError(t, f.catalog.Start(f.ctx))
	expected, err := f.catalog.ExpectedItems(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, expected)
}

func TestTopics(t *testing.T) {
	c := New(models.NewParticipant("owner"), nil, nil, WithTopics("b"))
	c.AddTopic("a")
	assert.Equal(t, []string{"a", "b"}, c.Topics())
	c.RemoveTopic("b")
	assert.Equal(t, []string{"a"}, c.Topics())
}
