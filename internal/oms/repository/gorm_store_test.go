package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfabric/oms/internal/oms/model"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := OpenSQLite(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestOrder(status string) *model.Order {
	o := model.NewOrder(uuid.New(), "ACC1",
		model.LimitSpec("SYM", model.OrderSideBuy, d("100"), d("10.50"), model.TimeInForceDay),
		time.Now().UTC())
	o.Status = status
	return o
}

func TestOrderRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := newTestOrder(model.OrderStatusNew)
	require.NoError(t, store.CreateOrder(ctx, o))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, "SYM", got.Spec.Symbol)
	assert.True(t, got.Spec.Quantity.Equal(d("100")))
	assert.True(t, got.Spec.LimitPrice.Equal(d("10.50")))
	assert.Equal(t, model.OrderStatusNew, got.Status)

	o.Status = model.OrderStatusWorking
	o.BrokerOrderID = "B123"
	o.FilledQuantity = d("40")
	o.AvgFillPrice = d("10.45")
	require.NoError(t, store.UpdateOrder(ctx, o))

	got, err = store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusWorking, got.Status)
	assert.Equal(t, "B123", got.BrokerOrderID)
	assert.True(t, got.FilledQuantity.Equal(d("40")))
}

func TestGetOrderNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetOrder(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateMissingOrder(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateOrder(context.Background(), newTestOrder(model.OrderStatusWorking))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadOpenOrdersSkipsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	open := newTestOrder(model.OrderStatusWorking)
	pending := newTestOrder(model.OrderStatusPendingSubmit)
	filled := newTestOrder(model.OrderStatusFilled)
	canceled := newTestOrder(model.OrderStatusCanceled)
	for _, o := range []*model.Order{open, pending, filled, canceled} {
		require.NoError(t, store.CreateOrder(ctx, o))
	}

	orders, err := store.LoadOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	ids := map[model.OMSID]bool{orders[0].ID: true, orders[1].ID: true}
	assert.True(t, ids[open.ID])
	assert.True(t, ids[pending.ID])
}

func TestInsertFillDuplicateExecutionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fill := &model.Fill{
		OrderID:     uuid.New(),
		ExecutionID: "EXEC-1",
		Symbol:      "SYM",
		Quantity:    d("60"),
		Price:       d("10.00"),
		FillTime:    time.Now().UTC(),
	}
	inserted, err := store.InsertFill(ctx, fill)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Redelivery of the same execution must be a no-op.
	inserted, err = store.InsertFill(ctx, fill)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestUpdateFillCommission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fill := &model.Fill{OrderID: uuid.New(), ExecutionID: "EXEC-2", Symbol: "SYM", Quantity: d("1"), Price: d("5"), FillTime: time.Now().UTC()}
	_, err := store.InsertFill(ctx, fill)
	require.NoError(t, err)

	require.NoError(t, store.UpdateFillCommission(ctx, "EXEC-2", "1.25"))
	err = store.UpdateFillCommission(ctx, "EXEC-MISSING", "1.25")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPositionUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pos := &model.Position{AccountID: "ACC1", Symbol: "SYM", Quantity: d("100"), AvgPrice: d("10"), LastUpdate: time.Now().UTC()}
	require.NoError(t, store.UpsertPosition(ctx, pos))

	pos.Quantity = d("40")
	require.NoError(t, store.UpsertPosition(ctx, pos))

	got, err := store.LoadPositions(ctx, "ACC1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Quantity.Equal(d("40")))
}

func TestAppendEventMonotonicSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AppendEvent(ctx, "SUBMIT_ORDER", map[string]string{"a": "1"})
	require.NoError(t, err)
	second, err := store.AppendEvent(ctx, "ORDER_STATUS", map[string]string{"b": "2"})
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestTransactionRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := newTestOrder(model.OrderStatusNew)
	boom := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx Store) error {
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		return boom
	})
	require.True(t, errors.Is(err, boom))

	_, err = store.GetOrder(ctx, o.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "rolled-back order must not exist")
}

func TestTransactionCommit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := newTestOrder(model.OrderStatusWorking)
	fill := &model.Fill{OrderID: o.ID, ExecutionID: "EXEC-3", Symbol: "SYM", Quantity: d("100"), Price: d("10"), FillTime: time.Now().UTC()}

	err := store.RunInTransaction(ctx, func(tx Store) error {
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		if _, err := tx.InsertFill(ctx, fill); err != nil {
			return err
		}
		return tx.UpsertPosition(ctx, &model.Position{AccountID: "ACC1", Symbol: "SYM", Quantity: d("100"), AvgPrice: d("10"), LastUpdate: time.Now().UTC()})
	})
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusWorking, got.Status)

	positions, err := store.LoadPositions(ctx, "ACC1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
}
