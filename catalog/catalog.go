// Package catalog reconciles a participant's own catalog with the catalogs
// published by other participants and tracks which foreign versions have
// been received.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sharedcatalog/logger"
	"sharedcatalog/metrics"
	"sharedcatalog/models"
)

var ErrNotStarted = errors.New("catalog not started")

// AckHandler is invoked once per subject, the first time a received item
// matches what the catalog expected.
type AckHandler func(subject models.Subject, ack models.AckItem)

type Option func(*Catalog)

func WithQuietPeriod(d time.Duration) Option { return func(c *Catalog) { c.quiet = d } }

func WithTopics(topics ...string) Option {
	return func(c *Catalog) {
		for _, t := range topics {
			c.topics[t] = struct{}{}
		}
	}
}

func WithAckHandler(h AckHandler) Option { return func(c *Catalog) { c.onAck = h } }

// WithFanOut bounds the goroutines used by AcceptForeignCatalog.
func WithFanOut(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.fanOut = n
		}
	}
}

type Catalog struct {
	owner  models.Participant
	store  Store
	source ItemSource
	quiet  time.Duration
	fanOut int
	onAck  AckHandler

	// mu serialises state transitions so that each foreign item is
	// reconciled against a consistent view of the lists.
	mu      sync.Mutex
	started bool

	topicsMu sync.RWMutex
	topics   map[string]struct{}
}

func New(owner models.Participant, store Store, source ItemSource, opts ...Option) *Catalog {
	if store == nil {
		store = NewMemoryStore()
	}
	if source == nil {
		source = StaticSource(nil)
	}
	c := &Catalog{
		owner:  owner,
		store:  store,
		source: source,
		fanOut: 8,
		topics: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Catalog) Owner() models.Participant { return c.owner }

func (c *Catalog) QuietPeriod() time.Duration { return c.quiet }

func (c *Catalog) AddTopic(topic string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *Catalog) RemoveTopic(topic string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	delete(c.topics, topic)
}

func (c *Catalog) Topics() []string {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) topicSupported(item models.Item) bool {
	c.topicsMu.RLock()
	_, ok := c.topics[item.Subject.Topic]
	c.topicsMu.RUnlock()
	if !ok {
		logger.Warn("unsupported topic", logger.FieldKV("topic", item.Subject.Topic))
	}
	return ok
}

// Start clears all state, loads the own items and queues every live own
// item of a supported topic for sharing.
func (c *Catalog) Start(ctx context.Context) error {
	logger.Info("starting catalog", logger.FieldKV("owner", c.owner.String()))
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	mine, err := c.source.FetchOwnItems(ctx)
	if err != nil {
		return fmt.Errorf("fetch own items: %w", err)
	}
	own, err := c.store.SetOwn(ctx, mine)
	if err != nil {
		return fmt.Errorf("store own items: %w", err)
	}
	for _, item := range own {
		if c.topicSupported(item) && !item.Deleted {
			if err := c.store.AddToSend(ctx, item); err != nil {
				return fmt.Errorf("queue %s: %w", item.Subject, err)
			}
		}
	}
	c.started = true
	metrics.IncCatalogStarts()
	logger.Info("catalog started", logger.FieldKV("own_items", len(own)))
	return nil
}

func (c *Catalog) AcceptForeignItem(ctx context.Context, item models.Item) error {
	logger.Debug("accepting foreign item", logger.FieldKV("item", item.String()))
	if !c.topicSupported(item) {
		metrics.IncItemsIgnored()
		return nil
	}
	if item.Owner == c.owner {
		logger.Warn("foreign item has the catalog owner", logger.FieldKV("owner", c.owner.String()))
		metrics.IncItemsIgnored()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}

	mine, haveMine, err := c.store.FindOwn(ctx, item.Subject)
	if err != nil {
		return fmt.Errorf("find own %s: %w", item.Subject, err)
	}
	expected, haveExpected, err := c.store.FindExpected(ctx, item.Subject)
	if err != nil {
		return fmt.Errorf("find expected %s: %w", item.Subject, err)
	}
	metrics.IncItemsAccepted()

	switch {
	case haveExpected:
		// Someone already announced a newer version; only a still newer one replaces it.
		if !item.IsNewerThanWithin(expected, c.quiet) {
			return nil
		}
		if _, _, err := c.store.RemoveExpected(ctx, expected.Subject); err != nil {
			return fmt.Errorf("replace expected %s: %w", item.Subject, err)
		}
	case haveMine:
		if !item.IsNewerThanWithin(mine, c.quiet) {
			return nil
		}
		if err := c.store.RemoveFromSend(ctx, mine.Subject); err != nil {
			return fmt.Errorf("unqueue %s: %w", item.Subject, err)
		}
	}
	// Unknown subjects are expected whether deleted or not.
	if err := c.store.AddExpected(ctx, item); err != nil {
		return fmt.Errorf("expect %s: %w", item.Subject, err)
	}
	metrics.IncItemsExpected()
	return nil
}

// AcceptForeignCatalog reconciles a whole foreign catalog. Subjects are
// processed concurrently; versions of one subject keep their input order,
// so the outcome matches processing the items one by one.
func (c *Catalog) AcceptForeignCatalog(ctx context.Context, items []models.Item) error {
	logger.Info("accepting foreign catalog", logger.FieldKV("items", len(items)))
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.fanOut)
	for _, versions := range bySubject(items) {
		versions := versions
		g.Go(func() error {
			for _, item := range versions {
				if err := c.AcceptForeignItem(ctx, item); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// bySubject groups items per subject, preserving input order within a group.
func bySubject(items []models.Item) [][]models.Item {
	index := make(map[models.Subject]int)
	var groups [][]models.Item
	for _, item := range items {
		i, ok := index[item.Subject]
		if !ok {
			i = len(groups)
			index[item.Subject] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	return groups
}

// AcknowledgeReceivedItem matches a received item against the expected
// list. A match needs a version no older than expected, the same deleted
// flag and the same owner.
func (c *Catalog) AcknowledgeReceivedItem(ctx context.Context, item models.Item) error {
	logger.Debug("acknowledging received item", logger.FieldKV("item", item.String()))

	subject, ack, fire, err := c.acknowledge(ctx, item)
	if err != nil {
		return err
	}
	if fire && c.onAck != nil {
		c.onAck(subject, ack)
	}
	return nil
}

func (c *Catalog) acknowledge(ctx context.Context, item models.Item) (models.Subject, models.AckItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return item.Subject, models.AckItem{}, false, ErrNotStarted
	}

	found, ok, err := c.store.FindExpected(ctx, item.Subject)
	if err != nil {
		return item.Subject, models.AckItem{}, false, fmt.Errorf("find expected %s: %w", item.Subject, err)
	}
	if !ok {
		return item.Subject, models.AckItem{}, false, nil
	}
	switch {
	case found.IsNewerThanWithin(item, c.quiet):
		logger.Warn("received item is older than expected item",
			logger.FieldKV("item", item.String()),
			logger.FieldKV("difference", found.Timestamp.Sub(item.Timestamp).String()))
		metrics.IncAckRejected()
		return item.Subject, models.AckItem{}, false, nil
	case found.Deleted != item.Deleted:
		logger.Warn("received item deleted flag differs from expected item",
			logger.FieldKV("item", item.String()),
			logger.FieldKV("expected_deleted", found.Deleted))
		metrics.IncAckRejected()
		return item.Subject, models.AckItem{}, false, nil
	case found.Owner != item.Owner:
		logger.Warn("received item has different owner than expected item",
			logger.FieldKV("item", item.String()),
			logger.FieldKV("expected_owner", found.Owner.String()))
		metrics.IncAckRejected()
		return item.Subject, models.AckItem{}, false, nil
	}

	removed, ok, err := c.store.RemoveExpected(ctx, found.Subject)
	if err != nil {
		return item.Subject, models.AckItem{}, false, fmt.Errorf("remove expected %s: %w", item.Subject, err)
	}
	if !ok {
		return item.Subject, models.AckItem{}, false, nil
	}
	ack := models.AckItem{OK: true, Deleted: item.Deleted, By: removed.Owner, When: removed.Timestamp}
	fresh, err := c.store.SaveAck(ctx, item.Subject, ack)
	if err != nil {
		return item.Subject, ack, false, fmt.Errorf("save ack %s: %w", item.Subject, err)
	}
	if !fresh {
		logger.Warn("could not save ack status", logger.FieldKV("subject", item.Subject.String()))
		metrics.IncAckSaveConflict()
		return item.Subject, ack, false, nil
	}
	metrics.IncItemsAcknowledged()
	return item.Subject, ack, true, nil
}

func (c *Catalog) ItemsToShare(ctx context.Context) ([]models.Item, error) {
	items, err := c.store.SendList(ctx)
	if err != nil {
		return nil, fmt.Errorf("send list: %w", err)
	}
	sortItems(items)
	return items, nil
}

func (c *Catalog) ExpectedItems(ctx context.Context) ([]models.Item, error) {
	items, err := c.store.ExpectedList(ctx)
	if err != nil {
		return nil, fmt.Errorf("expected list: %w", err)
	}
	sortItems(items)
	return items, nil
}

// Acknowledged reports whether every expected item has been received.
func (c *Catalog) Acknowledged(ctx context.Context) (bool, error) {
	expected, err := c.store.ExpectedList(ctx)
	if err != nil {
		return false, fmt.Errorf("expected list: %w", err)
	}
	return len(expected) == 0, nil
}

// AckReport lists every acknowledged subject plus every subject still
// awaited, the latter marked not OK.
func (c *Catalog) AckReport(ctx context.Context) (models.AckReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.store.AckState(ctx)
	if err != nil {
		return models.AckReport{}, fmt.Errorf("ack state: %w", err)
	}
	expected, err := c.store.ExpectedList(ctx)
	if err != nil {
		return models.AckReport{}, fmt.Errorf("expected list: %w", err)
	}
	for _, item := range expected {
		state[item.Subject] = models.AckItem{
			OK:      false,
			Deleted: item.Deleted,
			By:      item.Owner,
			When:    item.Timestamp,
		}
	}
	return models.AckReport{OK: len(expected) == 0, Items: state}, nil
}

func sortItems(items []models.Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Subject, items[j].Subject
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		return a.ID < b.ID
	})
}
