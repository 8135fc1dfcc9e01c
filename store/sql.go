package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"sharedcatalog/models"
)

// Item lists held in catalog_items.
const (
	listOwn      = "own"
	listSend     = "send"
	listExpected = "expected"
)

type Dialect struct {
	Name   string
	Driver string
	// numbered placeholders ($1, $2...) instead of ?
	numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite3"}
	Postgres = Dialect{Name: "postgres", Driver: "postgres", numbered: true}
)

func (d Dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists catalog state in SQLite or PostgreSQL.
type SQLStore struct {
	DB      *sql.DB
	dialect Dialect
}

func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open(SQLite.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; in-memory databases also vanish per connection.
	db.SetMaxOpenConns(1)
	return &SQLStore{DB: db, dialect: SQLite}, nil
}

func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &SQLStore{DB: db, dialect: Postgres}, nil
}

func (s *SQLStore) Close() error { return s.DB.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS catalog_items (
  list TEXT NOT NULL,
  topic TEXT NOT NULL,
  item_id TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  owner_name TEXT NOT NULL,
  ts BIGINT NOT NULL,
  deleted BOOLEAN NOT NULL,
  payload TEXT,
  PRIMARY KEY (list, topic, item_id)
)`)
	if err != nil {
		return fmt.Errorf("create catalog_items: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS catalog_acks (
  topic TEXT NOT NULL,
  item_id TEXT NOT NULL,
  ok BOOLEAN NOT NULL,
  deleted BOOLEAN NOT NULL,
  by_id TEXT NOT NULL,
  by_name TEXT NOT NULL,
  ack_at BIGINT NOT NULL,
  PRIMARY KEY (topic, item_id)
)`)
	if err != nil {
		return fmt.Errorf("create catalog_acks: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) Reset(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_items`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_acks`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) putItem(ctx context.Context, ex execer, list string, it models.Item) error {
	var payload sql.NullString
	if it.Payload != nil {
		payload = sql.NullString{String: string(it.Payload), Valid: true}
	}
	_, err := ex.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO catalog_items (list, topic, item_id, owner_id, owner_name, ts, deleted, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (list, topic, item_id) DO UPDATE SET
  owner_id = excluded.owner_id,
  owner_name = excluded.owner_name,
  ts = excluded.ts,
  deleted = excluded.deleted,
  payload = excluded.payload`),
		list, it.Subject.Topic, it.Subject.ID, it.Owner.ID.String(), it.Owner.Name,
		it.Timestamp.UnixNano(), it.Deleted, payload)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(sc scanner) (models.Item, error) {
	var (
		it      models.Item
		ownerID string
		ts      int64
		payload sql.NullString
	)
	if err := sc.Scan(&it.Subject.Topic, &it.Subject.ID, &ownerID, &it.Owner.Name, &ts, &it.Deleted, &payload); err != nil {
		return it, err
	}
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return it, fmt.Errorf("owner id %q: %w", ownerID, err)
	}
	it.Owner.ID = id
	it.Timestamp = time.Unix(0, ts)
	if payload.Valid {
		it.Payload = json.RawMessage(payload.String)
	}
	return it, nil
}

const itemColumns = `topic, item_id, owner_id, owner_name, ts, deleted, payload`

func (s *SQLStore) list(ctx context.Context, list string) ([]models.Item, error) {
	rows, err := s.DB.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+itemColumns+` FROM catalog_items WHERE list = ? ORDER BY topic, item_id`), list)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLStore) find(ctx context.Context, list string, sub models.Subject) (models.Item, bool, error) {
	row := s.DB.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+itemColumns+` FROM catalog_items WHERE list = ? AND topic = ? AND item_id = ?`),
		list, sub.Topic, sub.ID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, false, nil
	}
	if err != nil {
		return models.Item{}, false, err
	}
	return it, true, nil
}

func (s *SQLStore) remove(ctx context.Context, list string, sub models.Subject) error {
	_, err := s.DB.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM catalog_items WHERE list = ? AND topic = ? AND item_id = ?`), list, sub.Topic, sub.ID)
	return err
}

func (s *SQLStore) SetOwn(ctx context.Context, items []models.Item) ([]models.Item, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, it := range items {
		if err := s.putItem(ctx, tx, listOwn, it); err != nil {
			return nil, fmt.Errorf("own %s: %w", it.Subject, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.list(ctx, listOwn)
}

func (s *SQLStore) FindOwn(ctx context.Context, sub models.Subject) (models.Item, bool, error) {
	return s.find(ctx, listOwn, sub)
}

func (s *SQLStore) AddToSend(ctx context.Context, item models.Item) error {
	return s.putItem(ctx, s.DB, listSend, item)
}

func (s *SQLStore) RemoveFromSend(ctx context.Context, sub models.Subject) error {
	return s.remove(ctx, listSend, sub)
}

func (s *SQLStore) SendList(ctx context.Context) ([]models.Item, error) {
	return s.list(ctx, listSend)
}

func (s *SQLStore) AddExpected(ctx context.Context, item models.Item) error {
	return s.putItem(ctx, s.DB, listExpected, item)
}

func (s *SQLStore) RemoveExpected(ctx context.Context, sub models.Subject) (models.Item, bool, error) {
	row := s.DB.QueryRowContext(ctx, s.dialect.rebind(
		`DELETE FROM catalog_items WHERE list = ? AND topic = ? AND item_id = ? RETURNING `+itemColumns),
		listExpected, sub.Topic, sub.ID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, false, nil
	}
	if err != nil {
		return models.Item{}, false, err
	}
	return it, true, nil
}

func (s *SQLStore) FindExpected(ctx context.Context, sub models.Subject) (models.Item, bool, error) {
	return s.find(ctx, listExpected, sub)
}

func (s *SQLStore) ExpectedList(ctx context.Context) ([]models.Item, error) {
	return s.list(ctx, listExpected)
}

func (s *SQLStore) SaveAck(ctx context.Context, sub models.Subject, ack models.AckItem) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COUNT(*) FROM catalog_acks WHERE topic = ? AND item_id = ?`), sub.Topic, sub.ID).Scan(&n); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO catalog_acks (topic, item_id, ok, deleted, by_id, by_name, ack_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (topic, item_id) DO UPDATE SET
  ok = excluded.ok,
  deleted = excluded.deleted,
  by_id = excluded.by_id,
  by_name = excluded.by_name,
  ack_at = excluded.ack_at`),
		sub.Topic, sub.ID, ack.OK, ack.Deleted, ack.By.ID.String(), ack.By.Name, ack.When.UnixNano())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *SQLStore) AckState(ctx context.Context) (map[models.Subject]models.AckItem, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT topic, item_id, ok, deleted, by_id, by_name, ack_at FROM catalog_acks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.Subject]models.AckItem)
	for rows.Next() {
		var (
			sub  models.Subject
			ack  models.AckItem
			byID string
			at   int64
		)
		if err := rows.Scan(&sub.Topic, &sub.ID, &ack.OK, &ack.Deleted, &byID, &ack.By.Name, &at); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(byID)
		if err != nil {
			return nil, fmt.Errorf("ack by id %q: %w", byID, err)
		}
		ack.By.ID = id
		ack.When = time.Unix(0, at)
		out[sub] = ack
	}
	return out, rows.Err()
}
