package risk

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfabric/oms/internal/oms/model"
)

// Limits holds the risk parameters and exemptions for the Manager.
type Limits struct {
	// SymbolPositionLimits caps absolute position size per symbol. Zero or
	// absent means no limit for that symbol.
	SymbolPositionLimits map[string]decimal.Decimal
	// MaxOrderNotional caps a single order's notional value. Zero disables.
	MaxOrderNotional decimal.Decimal
	// MaxDailyLoss halts an account when its realized loss for the day
	// exceeds this amount. Zero disables.
	MaxDailyLoss decimal.Decimal
	// ExemptAccounts skip position and notional checks (not the halt flag).
	ExemptAccounts map[string]struct{}
}

// accountState tracks per-account mutable risk state.
type accountState struct {
	halted           bool
	haltReason       string
	positions        map[string]decimal.Decimal // symbol -> signed qty
	realizedPnLToday decimal.Decimal
}

// Manager is the reference Gate implementation: position and notional limits,
// a daily-loss halt, duplicate-intent detection, and per-account halt flags.
type Manager struct {
	mu       sync.RWMutex
	limits   Limits
	accounts map[string]*accountState
	seen     map[uuid.UUID]struct{}
	seenCap  int
	logger   *zap.Logger
}

var _ Gate = (*Manager)(nil)

// NewManager creates a Manager enforcing the given limits.
func NewManager(limits Limits, logger *zap.Logger) *Manager {
	if limits.SymbolPositionLimits == nil {
		limits.SymbolPositionLimits = make(map[string]decimal.Decimal)
	}
	if limits.ExemptAccounts == nil {
		limits.ExemptAccounts = make(map[string]struct{})
	}
	return &Manager{
		limits:   limits,
		accounts: make(map[string]*accountState),
		seen:     make(map[uuid.UUID]struct{}),
		seenCap:  100000,
		logger:   logger,
	}
}

func (m *Manager) account(accountID string) *accountState {
	st, ok := m.accounts[accountID]
	if !ok {
		st = &accountState{positions: make(map[string]decimal.Decimal)}
		m.accounts[accountID] = st
	}
	return st
}

// ValidateNewOrder checks the halt flag, duplicate intents, notional and
// position limits. On success the correlation id is remembered so a retried
// submission with the same id is rejected as a duplicate.
func (m *Manager) ValidateNewOrder(accountID string, spec model.OrderSpec, correlationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.account(accountID)
	if st.halted {
		return &Rejection{Rule: RuleHalted, Reason: st.haltReason}
	}
	if _, dup := m.seen[correlationID]; dup {
		return &Rejection{Rule: RuleDuplicateIntent, Reason: "correlation id already submitted: " + correlationID.String()}
	}

	if !m.exempt(accountID) {
		if err := m.checkNotional(spec); err != nil {
			return err
		}
		if err := m.checkPosition(st, spec); err != nil {
			return err
		}
	}

	if len(m.seen) >= m.seenCap {
		// Reset rather than evict piecemeal; duplicate submissions arrive
		// close together in practice.
		m.seen = make(map[uuid.UUID]struct{})
	}
	m.seen[correlationID] = struct{}{}
	return nil
}

// ValidateReplaceOrder checks the halt flag and the limits against the net
// exposure change of swapping the old spec for the new one.
func (m *Manager) ValidateReplaceOrder(accountID string, existing *model.Order, newSpec model.OrderSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.account(accountID)
	if st.halted {
		return &Rejection{Rule: RuleHalted, Reason: st.haltReason}
	}
	if m.exempt(accountID) {
		return nil
	}
	if err := m.checkNotional(newSpec); err != nil {
		return err
	}
	return m.checkPosition(st, newSpec)
}

// ValidateFlattenAll only honors the halt flag: flattening reduces exposure,
// so limits never block it.
func (m *Manager) ValidateFlattenAll(accountID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.accounts[accountID]; ok && st.halted {
		// A halted account may still flatten; halts block new exposure only.
		return nil
	}
	return nil
}

// HaltTrading flags the account so every subsequent validation rejects.
func (m *Manager) HaltTrading(accountID, reason string) {
	m.mu.Lock()
	st := m.account(accountID)
	st.halted = true
	st.haltReason = reason
	m.mu.Unlock()
	m.logger.Warn("trading halted", zap.String("account", accountID), zap.String("reason", reason))
}

// ResumeTrading clears the halt flag.
func (m *Manager) ResumeTrading(accountID string) {
	m.mu.Lock()
	st := m.account(accountID)
	st.halted = false
	st.haltReason = ""
	m.mu.Unlock()
	m.logger.Info("trading resumed", zap.String("account", accountID))
}

// Halted reports the account's halt flag.
func (m *Manager) Halted(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[accountID]
	return ok && st.halted
}

// RecordFill updates the gate's view of exposure and realized PnL, and
// trips the daily-loss halt when the configured loss is exceeded.
func (m *Manager) RecordFill(accountID, symbol string, signedQty, realizedPnLToday decimal.Decimal) {
	m.mu.Lock()
	st := m.account(accountID)
	st.positions[symbol] = st.positions[symbol].Add(signedQty)
	st.realizedPnLToday = realizedPnLToday
	tripped := false
	if !m.limits.MaxDailyLoss.IsZero() && !st.halted &&
		realizedPnLToday.LessThan(m.limits.MaxDailyLoss.Neg()) {
		st.halted = true
		st.haltReason = "daily loss limit exceeded: " + realizedPnLToday.String()
		tripped = true
	}
	m.mu.Unlock()
	if tripped {
		m.logger.Warn("daily loss halt tripped",
			zap.String("account", accountID),
			zap.String("realized_pnl", realizedPnLToday.String()))
	}
}

func (m *Manager) exempt(accountID string) bool {
	_, ok := m.limits.ExemptAccounts[accountID]
	return ok
}

func (m *Manager) checkNotional(spec model.OrderSpec) error {
	if m.limits.MaxOrderNotional.IsZero() {
		return nil
	}
	notional := spec.Notional(decimal.Zero)
	if notional.GreaterThan(m.limits.MaxOrderNotional) {
		return &Rejection{
			Rule:   RuleNotionalLimit,
			Reason: "order notional " + notional.String() + " exceeds limit " + m.limits.MaxOrderNotional.String(),
		}
	}
	return nil
}

func (m *Manager) checkPosition(st *accountState, spec model.OrderSpec) error {
	limit, ok := m.limits.SymbolPositionLimits[spec.Symbol]
	if !ok || limit.IsZero() {
		return nil
	}
	delta := spec.Quantity
	if spec.Side == model.OrderSideSell {
		delta = delta.Neg()
	}
	projected := st.positions[spec.Symbol].Add(delta)
	if projected.Abs().GreaterThan(limit) {
		return &Rejection{
			Rule:   RulePositionLimit,
			Reason: "projected position " + projected.String() + " in " + spec.Symbol + " exceeds limit " + limit.String(),
		}
	}
	return nil
}
