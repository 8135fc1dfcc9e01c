package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidItem is returned when an item is missing one of its mandatory fields.
var ErrInvalidItem = errors.New("invalid catalog item")

// Subject identifies a catalog entry across participants.
type Subject struct {
	Topic string `json:"topic" yaml:"topic"`
	ID    string `json:"id" yaml:"id"`
}

func (s Subject) String() string { return s.Topic + "/" + s.ID }

// Participant is a member of the catalog exchange.
type Participant struct {
	ID   uuid.UUID `json:"id" yaml:"id"`
	Name string    `json:"name" yaml:"name"`
}

func NewParticipant(name string) Participant {
	return Participant{ID: uuid.New(), Name: name}
}

func (p Participant) IsZero() bool { return p.ID == uuid.Nil && p.Name == "" }

func (p Participant) String() string { return p.Name + "(" + p.ID.String() + ")" }

type Item struct {
	Subject   Subject         `json:"subject"`
	Owner     Participant     `json:"owner"`
	Timestamp time.Time       `json:"timestamp"`
	Deleted   bool            `json:"deleted"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsNewerThan reports whether i was stamped strictly after other.
func (i Item) IsNewerThan(other Item) bool {
	return i.Timestamp.After(other.Timestamp)
}

// IsNewerThanWithin is IsNewerThan with a tolerance: i must be later than
// other by more than quiet to count as newer.
func (i Item) IsNewerThanWithin(other Item, quiet time.Duration) bool {
	return i.Timestamp.After(other.Timestamp.Add(quiet))
}

// Timestamps are persisted as unix nanoseconds, which bounds them to
// roughly 1678..2262.
var (
	MinTimestamp = time.Unix(0, math.MinInt64)
	MaxTimestamp = time.Unix(0, math.MaxInt64)
)

func (i Item) Validate() error {
	switch {
	case i.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp must be set", ErrInvalidItem)
	case i.Timestamp.Before(MinTimestamp) || i.Timestamp.After(MaxTimestamp):
		return fmt.Errorf("%w: timestamp %s out of range", ErrInvalidItem, i.Timestamp.UTC().Format(time.RFC3339))
	case i.Owner.IsZero():
		return fmt.Errorf("%w: owner must be set", ErrInvalidItem)
	case i.Subject.Topic == "" || i.Subject.ID == "":
		return fmt.Errorf("%w: subject must have topic and id", ErrInvalidItem)
	}
	return nil
}

func (i Item) String() string {
	return fmt.Sprintf("Item{subject=%s, owner=%s, timestamp=%s, deleted=%t}",
		i.Subject, i.Owner.Name, i.Timestamp.Format(time.RFC3339Nano), i.Deleted)
}

// AckItem records the acknowledgement state of one subject.
type AckItem struct {
	OK      bool        `json:"ok"`
	Deleted bool        `json:"deleted"`
	By      Participant `json:"by"`
	When    time.Time   `json:"when"`
}

func (a AckItem) String() string {
	return fmt.Sprintf("AckItem{ok=%t, deleted=%t, by=%s, when=%s}",
		a.OK, a.Deleted, a.By.Name, a.When.Format(time.RFC3339Nano))
}

type AckReport struct {
	OK    bool
	Items map[Subject]AckItem
}

// AckEntry is the wire form of a single report line.
type AckEntry struct {
	Subject Subject `json:"subject"`
	AckItem
}

type ackReportJSON struct {
	OK    bool       `json:"ok"`
	Items []AckEntry `json:"items"`
}

func (r AckReport) MarshalJSON() ([]byte, error) {
	out := ackReportJSON{OK: r.OK, Items: make([]AckEntry, 0, len(r.Items))}
	for s, a := range r.Items {
		out.Items = append(out.Items, AckEntry{Subject: s, AckItem: a})
	}
	sort.Slice(out.Items, func(i, j int) bool {
		if out.Items[i].Subject.Topic != out.Items[j].Subject.Topic {
			return out.Items[i].Subject.Topic < out.Items[j].Subject.Topic
		}
		return out.Items[i].Subject.ID < out.Items[j].Subject.ID
	})
	return json.Marshal(out)
}

func (r *AckReport) UnmarshalJSON(b []byte) error {
	var in ackReportJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	r.OK = in.OK
	r.Items = make(map[Subject]AckItem, len(in.Items))
	for _, e := range in.Items {
		r.Items[e.Subject] = e.AckItem
	}
	return nil
}
