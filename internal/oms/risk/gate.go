// Package risk implements synchronous admission control. Every state-changing
// command the reactor accepts passes through the Gate before anything is
// persisted or sent to a broker.
package risk

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfabric/oms/internal/oms/model"
)

// Rejection is returned on a hard risk violation. The order never reaches
// the broker and no state is created for it.
type Rejection struct {
	Rule   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: %s: %s", r.Rule, r.Reason)
}

// Rejection rule identifiers.
const (
	RuleHalted          = "trading_halted"
	RuleDuplicateIntent = "duplicate_intent"
	RulePositionLimit   = "position_limit"
	RuleNotionalLimit   = "notional_limit"
	RuleDailyLoss       = "daily_loss_halt"
)

// Gate is the admission-control contract consulted by the reactor.
// Validations are synchronous and side-effect-free except for the halt state
// and duplicate-intent bookkeeping.
type Gate interface {
	// ValidateNewOrder admits or rejects a new submission.
	ValidateNewOrder(accountID string, spec model.OrderSpec, correlationID uuid.UUID) error
	// ValidateReplaceOrder admits or rejects a replace of an existing order.
	ValidateReplaceOrder(accountID string, existing *model.Order, newSpec model.OrderSpec) error
	// ValidateFlattenAll admits or rejects a flatten request.
	ValidateFlattenAll(accountID string) error
	// HaltTrading rejects all new submissions for the account until resumed.
	// Existing open orders are untouched.
	HaltTrading(accountID, reason string)
	// ResumeTrading clears a halt.
	ResumeTrading(accountID string)
	// Halted reports whether the account is currently halted.
	Halted(accountID string) bool
	// RecordFill feeds post-fill position and realized PnL back into the
	// gate so limit and daily-loss checks see current exposure.
	RecordFill(accountID, symbol string, signedQty decimal.Decimal, realizedPnLToday decimal.Decimal)
}
