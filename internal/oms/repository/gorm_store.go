package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantfabric/oms/internal/oms/model"
	"github.com/quantfabric/oms/pkg/models"
)

// GormStore implements Store on top of GORM. SQLite serves single-host
// deployments and tests; Postgres serves everything else. An optional Redis
// client caches order lookups and degrades to nil when Redis is unreachable.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  *redis.Client
}

var _ Store = (*GormStore)(nil)

const orderCacheTTL = 30 * time.Second

// OpenSQLite opens (or creates) a SQLite-backed store at path and runs
// migrations. Use ":memory:" for tests.
func OpenSQLite(path string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return newGormStore(db, logger, nil)
}

// OpenPostgres opens a Postgres-backed store and runs migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return newGormStore(db, logger, nil)
}

// WithCache attaches a Redis read cache for order lookups. The connection is
// probed once; on failure the store simply runs uncached, mirroring how the
// rest of the system treats Redis as optional.
func (s *GormStore) WithCache(addr string) *GormStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		s.logger.Warn("redis not available, proceeding without cache", zap.Error(err))
		return s
	}
	s.cache = rdb
	s.logger.Info("redis order cache initialized", zap.String("addr", addr))
	return s
}

func newGormStore(db *gorm.DB, logger *zap.Logger, cache *redis.Client) (*GormStore, error) {
	if err := db.AutoMigrate(
		&models.Order{},
		&models.Fill{},
		&models.Position{},
		&models.AccountSnapshot{},
		&models.EventLogRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db, logger: logger, cache: cache}, nil
}

// RunInTransaction executes fn against a transactional child store.
func (s *GormStore) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, logger: s.logger, cache: s.cache})
	})
}

// CreateOrder inserts a new order row.
func (s *GormStore) CreateOrder(ctx context.Context, order *model.Order) error {
	row := orderToRow(order)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		s.logger.Error("failed to create order", zap.Error(err), zap.String("oms_id", order.ID.String()))
		return fmt.Errorf("create order: %w", err)
	}
	s.invalidateOrder(ctx, order.ID)
	return nil
}

// UpdateOrder rewrites the mutable fields of an order row.
func (s *GormStore) UpdateOrder(ctx context.Context, order *model.Order) error {
	row := orderToRow(order)
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("oms_id = ?", order.ID).
		Updates(map[string]interface{}{
			"status":            row.Status,
			"broker_order_id":   row.BrokerOrderID,
			"broker_perm_id":    row.BrokerPermID,
			"filled_quantity":   row.FilledQuantity,
			"avg_fill_price":    row.AvgFillPrice,
			"last_fill_price":   row.LastFillPrice,
			"cancel_reason":     row.CancelReason,
			"pending_reconcile": row.PendingReconcile,
			"quantity":          row.Quantity,
			"order_type":        row.OrderType,
			"time_in_force":     row.TimeInForce,
			"limit_price":       row.LimitPrice,
			"stop_price":        row.StopPrice,
			"last_update":       row.LastUpdate,
		})
	if res.Error != nil {
		return fmt.Errorf("update order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update order %s: %w", order.ID, ErrNotFound)
	}
	s.invalidateOrder(ctx, order.ID)
	return nil
}

// GetOrder loads one order, consulting the Redis cache first when present.
func (s *GormStore) GetOrder(ctx context.Context, id model.OMSID) (*model.Order, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, orderCacheKey(id)).Bytes(); err == nil {
			var order model.Order
			if err := json.Unmarshal(raw, &order); err == nil {
				return &order, nil
			}
		}
	}

	var row models.Order
	if err := s.db.WithContext(ctx).Where("oms_id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	order := rowToOrder(&row)

	if s.cache != nil {
		if raw, err := json.Marshal(order); err == nil {
			s.cache.Set(ctx, orderCacheKey(id), raw, orderCacheTTL)
		}
	}
	return order, nil
}

// LoadOpenOrders returns every non-terminal order.
func (s *GormStore) LoadOpenOrders(ctx context.Context) ([]*model.Order, error) {
	var rows []models.Order
	terminal := []string{
		model.OrderStatusFilled, model.OrderStatusCanceled,
		model.OrderStatusRejected, model.OrderStatusExpired,
	}
	if err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminal).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	orders := make([]*model.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rowToOrder(&rows[i]))
	}
	return orders, nil
}

// InsertFill appends a fill unless its execution id was already recorded.
func (s *GormStore) InsertFill(ctx context.Context, fill *model.Fill) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Fill{}).
		Where("execution_id = ?", fill.ExecutionID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check fill: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	row := &models.Fill{
		OMSID:       fill.OrderID,
		ExecutionID: fill.ExecutionID,
		Symbol:      fill.Symbol,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		Commission:  fill.Commission,
		FillTime:    fill.FillTime,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	return true, nil
}

// UpdateFillCommission sets the commission reported after the execution.
func (s *GormStore) UpdateFillCommission(ctx context.Context, executionID string, commission string) error {
	comm, err := decimal.NewFromString(commission)
	if err != nil {
		return fmt.Errorf("parse commission: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&models.Fill{}).
		Where("execution_id = ?", executionID).
		Update("commission", comm)
	if res.Error != nil {
		return fmt.Errorf("update fill commission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fill %s: %w", executionID, ErrNotFound)
	}
	return nil
}

// UpsertPosition writes the position keyed by (account_id, symbol).
func (s *GormStore) UpsertPosition(ctx context.Context, pos *model.Position) error {
	row := &models.Position{
		AccountID:        pos.AccountID,
		Symbol:           pos.Symbol,
		Quantity:         pos.Quantity,
		AvgPrice:         pos.AvgPrice,
		RealizedPnLToday: pos.RealizedPnLToday,
		UnrealizedPnL:    pos.UnrealizedPnL,
		LastUpdate:       pos.LastUpdate,
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// LoadPositions returns all persisted positions of an account.
func (s *GormStore) LoadPositions(ctx context.Context, accountID string) ([]*model.Position, error) {
	var rows []models.Position
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	positions := make([]*model.Position, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		positions = append(positions, &model.Position{
			AccountID:        r.AccountID,
			Symbol:           r.Symbol,
			Quantity:         r.Quantity,
			AvgPrice:         r.AvgPrice,
			RealizedPnLToday: r.RealizedPnLToday,
			UnrealizedPnL:    r.UnrealizedPnL,
			LastUpdate:       r.LastUpdate,
		})
	}
	return positions, nil
}

// UpsertAccountSnapshot writes the latest broker-reported valuation.
func (s *GormStore) UpsertAccountSnapshot(ctx context.Context, snap *model.AccountSnapshot) error {
	row := &models.AccountSnapshot{
		AccountID:        snap.AccountID,
		NetLiquidation:   snap.NetLiquidation,
		Cash:             snap.Cash,
		BuyingPower:      snap.BuyingPower,
		RealizedPnLToday: snap.RealizedPnLToday,
		UnrealizedPnL:    snap.UnrealizedPnL,
		AsOf:             snap.AsOf,
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("upsert account snapshot: %w", err)
	}
	return nil
}

// AppendEvent appends one event-log row and returns the assigned sequence.
func (s *GormStore) AppendEvent(ctx context.Context, kind string, payload interface{}) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	row := &models.EventLogRow{
		Kind:      kind,
		Payload:   string(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return row.Seq, nil
}

// Close releases the database and cache connections.
func (s *GormStore) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) invalidateOrder(ctx context.Context, id model.OMSID) {
	if s.cache != nil {
		s.cache.Del(ctx, orderCacheKey(id))
	}
}

func orderCacheKey(id model.OMSID) string {
	return "oms:order:" + id.String()
}

func orderToRow(o *model.Order) *models.Order {
	return &models.Order{
		OMSID:            o.ID,
		AccountID:        o.AccountID,
		Symbol:           o.Spec.Symbol,
		Side:             o.Spec.Side,
		Quantity:         o.Spec.Quantity,
		OrderType:        o.Spec.Type,
		TimeInForce:      o.Spec.TimeInForce,
		Status:           o.Status,
		BrokerOrderID:    o.BrokerOrderID,
		BrokerPermID:     o.BrokerPermID,
		LimitPrice:       o.Spec.LimitPrice,
		StopPrice:        o.Spec.StopPrice,
		FilledQuantity:   o.FilledQuantity,
		AvgFillPrice:     o.AvgFillPrice,
		LastFillPrice:    o.LastFillPrice,
		CancelReason:     o.CancelReason,
		PendingReconcile: o.PendingReconcile,
		CreatedAt:        o.CreatedAt,
		LastUpdate:       o.LastUpdate,
	}
}

func rowToOrder(r *models.Order) *model.Order {
	return &model.Order{
		ID:        r.OMSID,
		AccountID: r.AccountID,
		Spec: model.OrderSpec{
			Symbol:      r.Symbol,
			Side:        r.Side,
			Quantity:    r.Quantity,
			Type:        r.OrderType,
			LimitPrice:  r.LimitPrice,
			StopPrice:   r.StopPrice,
			TimeInForce: r.TimeInForce,
		},
		Status:           r.Status,
		BrokerOrderID:    r.BrokerOrderID,
		BrokerPermID:     r.BrokerPermID,
		FilledQuantity:   r.FilledQuantity,
		AvgFillPrice:     r.AvgFillPrice,
		LastFillPrice:    r.LastFillPrice,
		CancelReason:     r.CancelReason,
		PendingReconcile: r.PendingReconcile,
		CreatedAt:        r.CreatedAt,
		LastUpdate:       r.LastUpdate,
	}
}
