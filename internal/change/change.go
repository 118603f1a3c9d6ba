// Package change computes deltas between successive observations and
// classifies which deltas need manual review.
package change

import (
	"github.com/shopspring/decimal"

	"github.com/hogmalmsmedia/ratewatch/internal/config"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/normalize"
)

// ResultType classifies the outcome of a delta computation.
type ResultType string

const (
	TypeInitial ResultType = "initial"
	TypeUpdate  ResultType = "update"
	// TypeInvalid means the raw value did not normalize; nothing may be
	// persisted for it.
	TypeInvalid ResultType = "invalid"
)

// Result is the outcome of comparing a new raw value against the previous
// canonical value.
//
// Percentage always equals Amount: rates are compared in absolute
// percentage points, never as a relative percent-of-percent change. Both
// fields exist because downstream display code reads them by name.
type Result struct {
	NewValue   decimal.Decimal
	Amount     *decimal.Decimal
	Percentage *decimal.Decimal
	Type       ResultType
}

// ChangeType maps the result onto the ledger's change_type enum. Only
// meaningful for non-invalid results.
func (r Result) ChangeType() history.ChangeType {
	if r.Type == TypeInitial {
		return history.ChangeInitial
	}
	return history.ChangeUpdate
}

// Calculator applies the delta and large-change rules. All configuration
// is injected up front; there is no ambient state.
type Calculator struct {
	tracking config.TrackingConfig
}

// NewCalculator builds a Calculator from explicit tracking configuration.
func NewCalculator(tracking config.TrackingConfig) *Calculator {
	return &Calculator{tracking: tracking}
}

// Compute normalizes raw and produces the delta against old. A nil old
// value yields an initial result with no delta.
func (c *Calculator) Compute(old *decimal.Decimal, raw string) Result {
	value, ok := normalize.Value(raw)
	if !ok {
		return Result{Type: TypeInvalid}
	}
	return c.ComputeValue(old, value)
}

// ComputeValue is Compute for an already-normalized value.
func (c *Calculator) ComputeValue(old *decimal.Decimal, value decimal.Decimal) Result {
	if old == nil {
		return Result{NewValue: value, Type: TypeInitial}
	}
	delta := value.Sub(*old)
	pct := delta
	return Result{
		NewValue:   value,
		Amount:     &delta,
		Percentage: &pct,
		Type:       TypeUpdate,
	}
}

// IsLarge reports whether |delta| exceeds the effective threshold. A zero
// threshold disables flagging entirely.
func (c *Calculator) IsLarge(delta decimal.Decimal) bool {
	threshold := c.EffectiveThreshold()
	if threshold.IsZero() {
		return false
	}
	return delta.Abs().GreaterThan(threshold)
}

// EffectiveThreshold resolves the configured threshold into percentage
// points. Unit "points" is used as-is; unit "percent" is taken as a share
// of the configured baseline rate. The unit is always explicit; config
// validation rejects anything else.
func (c *Calculator) EffectiveThreshold() decimal.Decimal {
	lc := c.tracking.LargeChange
	threshold := decimal.NewFromFloat(lc.Threshold)
	if lc.Unit == config.UnitPercent {
		baseline := decimal.NewFromFloat(lc.Baseline)
		return threshold.Mul(baseline).Div(decimal.NewFromInt(100))
	}
	return threshold
}

// Epsilon returns the configured no-op tolerance as a decimal.
func (c *Calculator) Epsilon() decimal.Decimal {
	return decimal.NewFromFloat(c.tracking.Epsilon)
}

// WithinEpsilon reports whether two values are indistinguishable under the
// configured tolerance.
func (c *Calculator) WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(c.Epsilon())
}
