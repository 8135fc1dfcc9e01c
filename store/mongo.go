package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"sharedcatalog/logger"
	"sharedcatalog/models"
)

// MongoStore keeps catalog lists in an "items" collection discriminated by
// list name and acknowledgements in an "acks" collection.
type MongoStore struct {
	client *mongo.Client
	items  *mongo.Collection
	acks   *mongo.Collection
}

// Times are stored as unix nanoseconds; BSON dates stop at milliseconds.
type itemDoc struct {
	List      string `bson:"list"`
	Topic     string `bson:"topic"`
	ItemID    string `bson:"item_id"`
	OwnerID   string `bson:"owner_id"`
	OwnerName string `bson:"owner_name"`
	Timestamp int64  `bson:"ts"`
	Deleted   bool   `bson:"deleted"`
	Payload   string `bson:"payload,omitempty"`
}

type ackDoc struct {
	Topic   string `bson:"topic"`
	ItemID  string `bson:"item_id"`
	OK      bool   `bson:"ok"`
	Deleted bool   `bson:"deleted"`
	ByID    string `bson:"by_id"`
	ByName  string `bson:"by_name"`
	When    int64  `bson:"ack_at"`
}

func toItemDoc(list string, it models.Item) itemDoc {
	return itemDoc{
		List:      list,
		Topic:     it.Subject.Topic,
		ItemID:    it.Subject.ID,
		OwnerID:   it.Owner.ID.String(),
		OwnerName: it.Owner.Name,
		Timestamp: it.Timestamp.UnixNano(),
		Deleted:   it.Deleted,
		Payload:   string(it.Payload),
	}
}

func (d itemDoc) item() (models.Item, error) {
	id, err := uuid.Parse(d.OwnerID)
	if err != nil {
		return models.Item{}, fmt.Errorf("owner id %q: %w", d.OwnerID, err)
	}
	it := models.Item{
		Subject:   models.Subject{Topic: d.Topic, ID: d.ItemID},
		Owner:     models.Participant{ID: id, Name: d.OwnerName},
		Timestamp: time.Unix(0, d.Timestamp),
		Deleted:   d.Deleted,
	}
	if d.Payload != "" {
		it.Payload = []byte(d.Payload)
	}
	return it, nil
}

func toAckDoc(sub models.Subject, ack models.AckItem) ackDoc {
	return ackDoc{
		Topic:   sub.Topic,
		ItemID:  sub.ID,
		OK:      ack.OK,
		Deleted: ack.Deleted,
		ByID:    ack.By.ID.String(),
		ByName:  ack.By.Name,
		When:    ack.When.UnixNano(),
	}
}

func (d ackDoc) ack() (models.AckItem, error) {
	id, err := uuid.Parse(d.ByID)
	if err != nil {
		return models.AckItem{}, fmt.Errorf("ack by id %q: %w", d.ByID, err)
	}
	return models.AckItem{
		OK:      d.OK,
		Deleted: d.Deleted,
		By:      models.Participant{ID: id, Name: d.ByName},
		When:    time.Unix(0, d.When),
	}, nil
}

// NewMongo connects to MongoDB, pings, ensures indexes and prepares collections.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{client: client, items: db.Collection("items"), acks: db.Collection("acks")}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	logger.Info("mongo initialized", logger.FieldKV("database", database))
	return s, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Ping health check.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("mongo client not initialized")
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) ready() error {
	if s == nil || s.items == nil || s.acks == nil {
		return fmt.Errorf("mongo collections not initialized")
	}
	return nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.items.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "list", Value: 1}, {Key: "topic", Value: 1}, {Key: "item_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_list_subject")},
		{Keys: bson.D{{Key: "ts", Value: 1}}, Options: options.Index().SetName("idx_ts")},
	})
	if err != nil {
		return err
	}
	_, err = s.acks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "item_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_subject"),
	})
	return err
}

func subjectFilter(list string, sub models.Subject) bson.M {
	return bson.M{"list": list, "topic": sub.Topic, "item_id": sub.ID}
}

func (s *MongoStore) Reset(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.items.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	_, err := s.acks.DeleteMany(ctx, bson.M{})
	return err
}

func (s *MongoStore) put(ctx context.Context, list string, it models.Item) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.items.ReplaceOne(ctx, subjectFilter(list, it.Subject), toItemDoc(list, it), options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) find(ctx context.Context, list string, sub models.Subject) (models.Item, bool, error) {
	if err := s.ready(); err != nil {
		return models.Item{}, false, err
	}
	var d itemDoc
	err := s.items.FindOne(ctx, subjectFilter(list, sub)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Item{}, false, nil
	}
	if err != nil {
		return models.Item{}, false, err
	}
	it, err := d.item()
	return it, err == nil, err
}

func (s *MongoStore) list(ctx context.Context, list string) ([]models.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "topic", Value: 1}, {Key: "item_id", Value: 1}})
	cur, err := s.items.Find(ctx, bson.M{"list": list}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []models.Item{}
	for cur.Next(ctx) {
		var d itemDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		it, err := d.item()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, cur.Err()
}

func (s *MongoStore) SetOwn(ctx context.Context, items []models.Item) ([]models.Item, error) {
	for _, it := range items {
		if err := s.put(ctx, listOwn, it); err != nil {
			return nil, fmt.Errorf("own %s: %w", it.Subject, err)
		}
	}
	return s.list(ctx, listOwn)
}

func (s *MongoStore) FindOwn(ctx context.Context, sub models.Subject) (models.Item, bool, error) {
	return s.find(ctx, listOwn, sub)
}

func (s *MongoStore) AddToSend(ctx context.Context, item models.Item) error {
	return s.put(ctx, listSend, item)
}

func (s *MongoStore) RemoveFromSend(ctx context.Context, sub models.Subject) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.items.DeleteOne(ctx, subjectFilter(listSend, sub))
	return err
}

func (s *MongoStore) SendList(ctx context.Context) ([]models.Item, error) {
	return s.list(ctx, listSend)
}

func (s *MongoStore) AddExpected(ctx context.Context, item models.Item) error {
	return s.put(ctx, listExpected, item)
}

func (s *MongoStore) RemoveExpected(ctx context.Context, sub models.Subject) (models.Item, bool, error) {
	if err := s.ready(); err != nil {
		return models.Item{}, false, err
	}
	var d itemDoc
	err := s.items.FindOneAndDelete(ctx, subjectFilter(listExpected, sub)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Item{}, false, nil
	}
	if err != nil {
		return models.Item{}, false, err
	}
	it, err := d.item()
	return it, err == nil, err
}

func (s *MongoStore) FindExpected(ctx context.Context, sub models.Subject) (models.Item, bool, error) {
	return s.find(ctx, listExpected, sub)
}

func (s *MongoStore) ExpectedList(ctx context.Context) ([]models.Item, error) {
	return s.list(ctx, listExpected)
}

// SaveAck upserts the ack; the pre-image tells whether one already existed.
func (s *MongoStore) SaveAck(ctx context.Context, sub models.Subject, ack models.AckItem) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	doc := toAckDoc(sub, ack)
	opts := options.FindOneAndReplace().SetUpsert(true).SetReturnDocument(options.Before)
	err := s.acks.FindOneAndReplace(ctx, bson.M{"topic": sub.Topic, "item_id": sub.ID}, doc, opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoStore) AckState(ctx context.Context) (map[models.Subject]models.AckItem, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	cur, err := s.acks.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make(map[models.Subject]models.AckItem)
	for cur.Next(ctx) {
		var d ackDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		ack, err := d.ack()
		if err != nil {
			return nil, err
		}
		out[models.Subject{Topic: d.Topic, ID: d.ItemID}] = ack
	}
	return out, cur.Err()
}
