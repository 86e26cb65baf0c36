package paper

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfabric/oms/internal/oms/events"
	"github.com/quantfabric/oms/internal/oms/model"
)

type recordingSink struct {
	events []events.Event
}

func (s *recordingSink) Push(e events.Event) { s.events = append(s.events, e) }

func (s *recordingSink) kinds() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestPaperAutoFill(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{AutoFill: true}, sink, zaptest.NewLogger(t))
	require.NoError(t, a.Start(context.Background()))

	id := uuid.New()
	spec := model.LimitSpec("SYM", model.OrderSideBuy, d("100"), d("10.50"), model.TimeInForceDay)
	require.NoError(t, a.SubmitOrder(context.Background(), id, "ACC1", spec))

	// connection up, heartbeat, working, execution, commission.
	assert.Equal(t, []string{
		events.EventConnectionUp, events.EventHeartbeat,
		events.EventOrderStatus, events.EventExecution, events.EventCommission,
	}, sink.kinds())

	exec := sink.events[3].Execution
	require.NotNil(t, exec)
	assert.Equal(t, id, exec.OrderID)
	assert.True(t, exec.Quantity.Equal(d("100")))
	assert.True(t, exec.Price.Equal(d("10.50")))
}

func TestPaperManualPartialFills(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{}, sink, zaptest.NewLogger(t))
	require.NoError(t, a.Start(context.Background()))

	id := uuid.New()
	require.NoError(t, a.SubmitOrder(context.Background(), id, "ACC1",
		model.MarketSpec("SYM", model.OrderSideBuy, d("100"))))

	a.Fill(id, d("60"), d("10.00"))
	a.Fill(id, d("40"), d("10.50"))

	var execs []*events.ExecutionEvt
	for _, e := range sink.events {
		if e.Kind == events.EventExecution {
			execs = append(execs, e.Execution)
		}
	}
	require.Len(t, execs, 2)
	assert.NotEqual(t, execs[0].ExecutionID, execs[1].ExecutionID, "execution ids are broker-unique")

	// The order is gone broker-side once fully filled.
	a.Fill(id, d("1"), d("10.00"))
	count := 0
	for _, e := range sink.events {
		if e.Kind == events.EventExecution {
			count++
		}
	}
	assert.Equal(t, 2, count, "fills after completion are dropped")
}

func TestPaperReject(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{RejectSymbols: map[string]struct{}{"BAD": {}}}, sink, zaptest.NewLogger(t))
	require.NoError(t, a.Start(context.Background()))

	id := uuid.New()
	require.NoError(t, a.SubmitOrder(context.Background(), id, "ACC1",
		model.MarketSpec("BAD", model.OrderSideBuy, d("10"))))

	last := sink.events[len(sink.events)-1]
	require.NotNil(t, last.OrderStatus)
	assert.Equal(t, model.OrderStatusRejected, last.OrderStatus.Status)
}

func TestPaperCancelAfterFillIsDropped(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{AutoFill: true}, sink, zaptest.NewLogger(t))
	require.NoError(t, a.Start(context.Background()))

	id := uuid.New()
	require.NoError(t, a.SubmitOrder(context.Background(), id, "ACC1",
		model.LimitSpec("SYM", model.OrderSideBuy, d("10"), d("5"), model.TimeInForceDay)))

	before := len(sink.events)
	require.NoError(t, a.CancelOrder(context.Background(), id))
	assert.Equal(t, before, len(sink.events), "cancel of a filled order emits nothing")
}

func TestPaperReconciliationReplay(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{}, sink, zaptest.NewLogger(t))
	require.NoError(t, a.Start(context.Background()))

	id := uuid.New()
	require.NoError(t, a.SubmitOrder(context.Background(), id, "ACC1",
		model.MarketSpec("SYM", model.OrderSideBuy, d("100"))))
	a.Fill(id, d("100"), d("10"))

	sink.events = nil
	require.NoError(t, a.RequestOpenOrders(context.Background()))
	assert.Empty(t, sink.events, "filled order is no longer open")

	require.NoError(t, a.RequestOpenPositions(context.Background()))
	require.Len(t, sink.events, 1)
	pos := sink.events[0].Position
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(d("100")))

	require.NoError(t, a.RequestAccountSnapshot(context.Background(), "ACC1"))
	last := sink.events[len(sink.events)-1]
	require.NotNil(t, last.Account)
	assert.Equal(t, "ACC1", last.Account.AccountID)
}

func TestPaperHeartbeatLoop(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{}, sink, zaptest.NewLogger(t))
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.SendProbe(context.Background()))
	require.NoError(t, a.Stop(context.Background()))

	kinds := sink.kinds()
	assert.Equal(t, events.EventProbeOK, kinds[len(kinds)-2])
	assert.Equal(t, events.EventConnectionDown, kinds[len(kinds)-1])
}
