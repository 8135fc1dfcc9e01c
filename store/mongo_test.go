package store

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"sharedcatalog/models"
)

// NOTE: These tests are lightweight structural tests; full integration would require a running MongoDB.
// They focus on error paths prior to real DB interactions.

func TestPingWithoutInit(t *testing.T) {
	var s *MongoStore
	if err := s.Ping(context.Background()); err == nil {
		t.Fatalf("expected error when ping before connect")
	}
}

func TestAddExpectedWithoutInit(t *testing.T) {
	s := &MongoStore{}
	if err := s.AddExpected(context.Background(), dummyItem()); err == nil {
		t.Fatalf("expected error when inserting before connect")
	}
}

func TestExpectedListWithoutInit(t *testing.T) {
	s := &MongoStore{}
	if _, err := s.ExpectedList(context.Background()); err == nil {
		t.Fatalf("expected error when listing before connect")
	}
}

func TestCloseWithoutInit(t *testing.T) {
	var s *MongoStore
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close on nil store should be a no-op, got %v", err)
	}
}

func TestItemDocRoundTrip(t *testing.T) {
	it := dummyItem()
	got, err := toItemDoc(listExpected, it).item()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Subject != it.Subject || got.Owner != it.Owner || string(got.Payload) != string(it.Payload) {
		t.Errorf("round trip mismatch: %v vs %v", got, it)
	}
}

func TestItemDocBSONKeepsNanoseconds(t *testing.T) {
	it := dummyItem()
	it.Timestamp = time.Unix(1, 900000)
	raw, err := bson.Marshal(toItemDoc(listOwn, it))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var d itemDoc
	if err := bson.Unmarshal(raw, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := d.item()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Timestamp.Equal(it.Timestamp) {
		t.Fatalf("timestamp changed: %v vs %v", got.Timestamp, it.Timestamp)
	}

	older := it
	older.Timestamp = time.Unix(1, 500000)
	if older.IsNewerThan(got) {
		t.Errorf("older item must not count as newer after a store round trip")
	}
}

func TestAckDocBSONKeepsNanoseconds(t *testing.T) {
	ack := models.AckItem{OK: true, By: models.NewParticipant("p"), When: time.Unix(2, 123456789)}
	raw, err := bson.Marshal(toAckDoc(models.Subject{Topic: "t", ID: "1"}, ack))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var d ackDoc
	if err := bson.Unmarshal(raw, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := d.ack()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.When.Equal(ack.When) || got.By != ack.By || !got.OK {
		t.Errorf("round trip mismatch: %v vs %v", got, ack)
	}
}

func TestNewMongoUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := NewMongo(ctx, "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200&connectTimeoutMS=200", "test")
	if err == nil {
		_ = s.Close(context.Background())
		t.Fatal("expected ping error for unreachable server")
	}
	if s != nil {
		t.Errorf("no store expected on failure")
	}
}

// dummyItem creates a minimal valid item
func dummyItem() models.Item {
	it := sqlItem("test-id", 1, false, models.NewParticipant("u"))
	return it
}
