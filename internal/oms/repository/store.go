// Package repository persists order, fill, position, and account state plus
// the append-only event log. The store is the single source of truth after a
// restart: in-memory engine state is rebuilt from it and then reconciled
// against the broker, never the other way around.
package repository

import (
	"context"
	"errors"

	"github.com/quantfabric/oms/internal/oms/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// Store is the persistence contract consumed by the reactor. Every multi-row
// mutation runs inside RunInTransaction so a crash leaves either all of a
// change or none of it.
type Store interface {
	// RunInTransaction executes fn against a transactional view of the
	// store. An error from fn rolls everything back.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// CreateOrder inserts a new order row.
	CreateOrder(ctx context.Context, order *model.Order) error
	// UpdateOrder rewrites the mutable fields of an existing order row.
	UpdateOrder(ctx context.Context, order *model.Order) error
	// GetOrder loads one order by its engine id.
	GetOrder(ctx context.Context, id model.OMSID) (*model.Order, error)
	// LoadOpenOrders returns every non-terminal order, for startup
	// reconciliation.
	LoadOpenOrders(ctx context.Context) ([]*model.Order, error)

	// InsertFill appends a fill. A fill whose ExecutionID was already
	// recorded is not inserted and inserted=false is returned; duplicate
	// broker delivery is expected, never an error.
	InsertFill(ctx context.Context, fill *model.Fill) (inserted bool, err error)
	// UpdateFillCommission sets the commission on an already recorded fill.
	UpdateFillCommission(ctx context.Context, executionID string, commission string) error

	// UpsertPosition writes per-account, per-symbol exposure.
	UpsertPosition(ctx context.Context, pos *model.Position) error
	// LoadPositions returns all persisted positions for an account.
	LoadPositions(ctx context.Context, accountID string) ([]*model.Position, error)

	// UpsertAccountSnapshot writes the latest broker-reported valuation.
	UpsertAccountSnapshot(ctx context.Context, snap *model.AccountSnapshot) error

	// AppendEvent appends one row to the event log and returns its sequence.
	AppendEvent(ctx context.Context, kind string, payload interface{}) (int64, error)

	// Close releases the underlying connections.
	Close() error
}
