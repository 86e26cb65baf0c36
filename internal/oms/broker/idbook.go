package broker

import (
	"sync"

	"github.com/quantfabric/oms/internal/oms/model"
)

// IDBook maintains the three-way mapping between engine ids, broker order
// ids, and broker perm ids. Brokers assign and change their own ids
// independently of submission order, so every callback has to be resolvable
// back to the originating OMSID. Safe for concurrent use; adapters share it
// between their write path and their read loop.
type IDBook struct {
	mu       sync.RWMutex
	byOMS    map[model.OMSID]*binding
	byBroker map[string]model.OMSID
	byPerm   map[string]model.OMSID
}

type binding struct {
	brokerOrderID string
	permID        string
}

// NewIDBook creates an empty id book.
func NewIDBook() *IDBook {
	return &IDBook{
		byOMS:    make(map[model.OMSID]*binding),
		byBroker: make(map[string]model.OMSID),
		byPerm:   make(map[string]model.OMSID),
	}
}

// Bind associates an engine id with a broker order id. Rebinding the same
// engine id (a replace, or a broker-side id change) drops the old broker id.
func (b *IDBook) Bind(id model.OMSID, brokerOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.byOMS[id]; ok && old.brokerOrderID != "" {
		delete(b.byBroker, old.brokerOrderID)
	} else if !ok {
		b.byOMS[id] = &binding{}
	}
	b.byOMS[id].brokerOrderID = brokerOrderID
	b.byBroker[brokerOrderID] = id
}

// BindPerm records the broker's session-stable perm id for an engine id.
func (b *IDBook) BindPerm(id model.OMSID, permID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byOMS[id]; !ok {
		b.byOMS[id] = &binding{}
	}
	if old := b.byOMS[id].permID; old != "" {
		delete(b.byPerm, old)
	}
	b.byOMS[id].permID = permID
	b.byPerm[permID] = id
}

// BrokerOrderID returns the current broker order id bound to an engine id.
func (b *IDBook) BrokerOrderID(id model.OMSID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bind, ok := b.byOMS[id]
	if !ok || bind.brokerOrderID == "" {
		return "", false
	}
	return bind.brokerOrderID, true
}

// ResolveBroker maps a broker order id back to the engine id.
func (b *IDBook) ResolveBroker(brokerOrderID string) (model.OMSID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byBroker[brokerOrderID]
	return id, ok
}

// ResolvePerm maps a broker perm id back to the engine id.
func (b *IDBook) ResolvePerm(permID string) (model.OMSID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byPerm[permID]
	return id, ok
}

// Forget drops all mappings for an engine id, once its order is terminal.
func (b *IDBook) Forget(id model.OMSID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bind, ok := b.byOMS[id]
	if !ok {
		return
	}
	if bind.brokerOrderID != "" {
		delete(b.byBroker, bind.brokerOrderID)
	}
	if bind.permID != "" {
		delete(b.byPerm, bind.permID)
	}
	delete(b.byOMS, id)
}
