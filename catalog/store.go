package catalog

import (
	"context"
	"sync"

	"sharedcatalog/models"
)

// Store holds the four lists a catalog reconciles: the participant's own
// items, the items it still has to share, the foreign versions it expects
// to receive and the acknowledgements recorded so far.
type Store interface {
	Reset(ctx context.Context) error
	SetOwn(ctx context.Context, items []models.Item) ([]models.Item, error)
	FindOwn(ctx context.Context, s models.Subject) (models.Item, bool, error)

	AddToSend(ctx context.Context, item models.Item) error
	RemoveFromSend(ctx context.Context, s models.Subject) error
	SendList(ctx context.Context) ([]models.Item, error)

	AddExpected(ctx context.Context, item models.Item) error
	RemoveExpected(ctx context.Context, s models.Subject) (models.Item, bool, error)
	FindExpected(ctx context.Context, s models.Subject) (models.Item, bool, error)
	ExpectedList(ctx context.Context) ([]models.Item, error)

	// SaveAck always records the ack and reports whether the subject had
	// no ack before.
	SaveAck(ctx context.Context, s models.Subject, ack models.AckItem) (bool, error)
	AckState(ctx context.Context) (map[models.Subject]models.AckItem, error)
}

// MemoryStore keeps catalog state in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	own      map[models.Subject]models.Item
	send     map[models.Subject]models.Item
	expected map[models.Subject]models.Item
	acks     map[models.Subject]models.AckItem
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.clear()
	return s
}

func (m *MemoryStore) clear() {
	m.own = make(map[models.Subject]models.Item)
	m.send = make(map[models.Subject]models.Item)
	m.expected = make(map[models.Subject]models.Item)
	m.acks = make(map[models.Subject]models.AckItem)
}

func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clear()
	return nil
}

func (m *MemoryStore) SetOwn(_ context.Context, items []models.Item) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.own[it.Subject] = it
	}
	return values(m.own), nil
}

func (m *MemoryStore) FindOwn(_ context.Context, s models.Subject) (models.Item, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.own[s]
	return it, ok, nil
}

func (m *MemoryStore) AddToSend(_ context.Context, item models.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.send[item.Subject] = item
	return nil
}

func (m *MemoryStore) RemoveFromSend(_ context.Context, s models.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.send, s)
	return nil
}

func (m *MemoryStore) SendList(context.Context) ([]models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return values(m.send), nil
}

func (m *MemoryStore) AddExpected(_ context.Context, item models.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected[item.Subject] = item
	return nil
}

func (m *MemoryStore) RemoveExpected(_ context.Context, s models.Subject) (models.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.expected[s]
	delete(m.expected, s)
	return it, ok, nil
}

func (m *MemoryStore) FindExpected(_ context.Context, s models.Subject) (models.Item, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.expected[s]
	return it, ok, nil
}

func (m *MemoryStore) ExpectedList(context.Context) ([]models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return values(m.expected), nil
}

func (m *MemoryStore) SaveAck(_ context.Context, s models.Subject, ack models.AckItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.acks[s]
	m.acks[s] = ack
	return !existed, nil
}

func (m *MemoryStore) AckState(context.Context) (map[models.Subject]models.AckItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.Subject]models.AckItem, len(m.acks))
	for k, v := range m.acks {
		out[k] = v
	}
	return out, nil
}

func values(m map[models.Subject]models.Item) []models.Item {
	out := make([]models.Item, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
