package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is the persisted row for one engine order.
type Order struct {
	OMSID            uuid.UUID       `json:"oms_id" gorm:"column:oms_id;primaryKey;type:uuid"`
	AccountID        string          `json:"account_id" gorm:"index"`
	Symbol           string          `json:"symbol" gorm:"index"`
	Side             string          `json:"side"`
	Quantity         decimal.Decimal `json:"qty" gorm:"type:decimal(32,16)"`
	OrderType        string          `json:"order_type"`
	TimeInForce      string          `json:"tif"`
	Status           string          `json:"status" gorm:"index"`
	BrokerOrderID    string          `json:"broker_order_id" gorm:"index"`
	BrokerPermID     string          `json:"perm_id"`
	LimitPrice       decimal.Decimal `json:"limit_price" gorm:"type:decimal(32,16)"`
	StopPrice        decimal.Decimal `json:"stop_price" gorm:"type:decimal(32,16)"`
	FilledQuantity   decimal.Decimal `json:"filled_qty" gorm:"type:decimal(32,16)"`
	AvgFillPrice     decimal.Decimal `json:"avg_fill_price" gorm:"type:decimal(32,16)"`
	LastFillPrice    decimal.Decimal `json:"last_fill_price" gorm:"type:decimal(32,16)"`
	CancelReason     string          `json:"cancel_reason"`
	PendingReconcile bool            `json:"pending_reconcile"`
	CreatedAt        time.Time       `json:"created_at"`
	LastUpdate       time.Time       `json:"last_update"`
	Meta             string          `json:"meta" gorm:"type:text"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (Order) TableName() string { return "orders" }

// Fill is the persisted row for one execution. ExecutionID carries the
// unique index that makes duplicate broker deliveries a no-op.
type Fill struct {
	ID          int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	OMSID       uuid.UUID       `json:"oms_id" gorm:"column:oms_id;type:uuid;index"`
	ExecutionID string          `json:"execution_id" gorm:"uniqueIndex"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"qty" gorm:"type:decimal(32,16)"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Commission  decimal.Decimal `json:"commission" gorm:"type:decimal(32,16)"`
	FillTime    time.Time       `json:"fill_time"`
}

func (Fill) TableName() string { return "fills" }

// Position is the persisted row for per-account, per-symbol exposure.
type Position struct {
	AccountID        string          `json:"account_id" gorm:"primaryKey"`
	Symbol           string          `json:"symbol" gorm:"primaryKey"`
	Quantity         decimal.Decimal `json:"qty" gorm:"type:decimal(32,16)"`
	AvgPrice         decimal.Decimal `json:"avg_price" gorm:"type:decimal(32,16)"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today" gorm:"type:decimal(32,16)"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl" gorm:"type:decimal(32,16)"`
	LastUpdate       time.Time       `json:"last_update"`
}

func (Position) TableName() string { return "positions" }

// AccountSnapshot is the persisted row for a point-in-time account valuation.
type AccountSnapshot struct {
	AccountID        string          `json:"account_id" gorm:"primaryKey"`
	NetLiquidation   decimal.Decimal `json:"net_liquidation" gorm:"type:decimal(32,16)"`
	Cash             decimal.Decimal `json:"cash" gorm:"type:decimal(32,16)"`
	BuyingPower      decimal.Decimal `json:"buying_power" gorm:"type:decimal(32,16)"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today" gorm:"type:decimal(32,16)"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl" gorm:"type:decimal(32,16)"`
	AsOf             time.Time       `json:"as_of"`
}

func (AccountSnapshot) TableName() string { return "account_snapshots" }

// EventLogRow is one immutable append-only record of a command or event.
// Seq is assigned by the database and is strictly monotonic, which is what
// crash replay orders by.
type EventLogRow struct {
	Seq       int64     `json:"seq" gorm:"primaryKey;autoIncrement"`
	Kind      string    `json:"kind" gorm:"index"`
	Payload   string    `json:"payload" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

func (EventLogRow) TableName() string { return "event_log" }
