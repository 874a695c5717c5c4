package validation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/model"
	"github.com/cw07/omsflow/pkg/oms/refdata"
)

// ValidationError is a structured rule failure. Orders failing validation are
// rejected, never retried.
type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation %s: %s", e.Rule, e.Reason)
}

// Context carries the read-only inputs rules evaluate against.
type Context struct {
	RefData           *refdata.BrokerRefData
	ReferencePrices   map[string]decimal.Decimal
	MaxPriceDeviation decimal.Decimal
	MaxPositionValue  decimal.Decimal
}

func (c *Context) referencePrice(symbol string) (decimal.Decimal, bool) {
	p, ok := c.ReferencePrices[symbol]
	return p, ok
}

// Rule is one pure validation check. Rules have no side effects and are
// composed as an ordered list; the first failure wins.
type Rule interface {
	Name() string
	Check(o *model.Order, vc *Context) error
}

type Engine struct {
	vc    *Context
	rules []Rule
}

func NewEngine(vc *Context, rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Engine{vc: vc, rules: rules}
}

// DefaultRules is the standard rule chain, in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		&RequiredFieldsRule{},
		&RefDataRule{},
		&PriceDeviationRule{},
		&PositionLimitRule{},
	}
}

func (e *Engine) Validate(o *model.Order) error {
	for _, r := range e.rules {
		if err := r.Check(o, e.vc); err != nil {
			return err
		}
	}
	return nil
}

// RequiredFieldsRule enforces that limit-like order types carry a price.
type RequiredFieldsRule struct{}

func (r *RequiredFieldsRule) Name() string { return "required_fields" }

func (r *RequiredFieldsRule) Check(o *model.Order, _ *Context) error {
	if o.RequiresPrice() && !o.HasPrice {
		return &ValidationError{
			Rule:   r.Name(),
			Reason: fmt.Sprintf("%s orders require a price", o.Type),
		}
	}
	return nil
}

// RefDataRule requires every semantic enum to resolve in the broker tables.
type RefDataRule struct{}

func (r *RefDataRule) Name() string { return "refdata" }

func (r *RefDataRule) Check(o *model.Order, vc *Context) error {
	if err := vc.RefData.Resolvable(o); err != nil {
		return &ValidationError{Rule: r.Name(), Reason: err.Error()}
	}
	return nil
}

// PriceDeviationRule bounds the order price against a reference price, when
// one is known for the symbol.
type PriceDeviationRule struct{}

func (r *PriceDeviationRule) Name() string { return "price_deviation" }

func (r *PriceDeviationRule) Check(o *model.Order, vc *Context) error {
	if !o.HasPrice {
		return nil
	}
	ref, ok := vc.referencePrice(o.Symbol)
	if !ok || ref.IsZero() {
		return nil
	}

	deviation := o.Price.Sub(ref).Abs().Div(ref)
	if deviation.GreaterThan(vc.MaxPriceDeviation) {
		return &ValidationError{
			Rule: r.Name(),
			Reason: fmt.Sprintf("price %s deviates %s from reference %s, limit %s",
				o.Price, deviation, ref, vc.MaxPriceDeviation),
		}
	}
	return nil
}

// PositionLimitRule caps the notional value of a single order. Market orders
// are valued at the reference price when one is known.
type PositionLimitRule struct{}

func (r *PositionLimitRule) Name() string { return "position_limit" }

func (r *PositionLimitRule) Check(o *model.Order, vc *Context) error {
	price := o.Price
	if !o.HasPrice {
		ref, ok := vc.referencePrice(o.Symbol)
		if !ok {
			return nil
		}
		price = ref
	}

	value := o.Quantity.Mul(price)
	if value.GreaterThan(vc.MaxPositionValue) {
		return &ValidationError{
			Rule: r.Name(),
			Reason: fmt.Sprintf("order value %s exceeds position limit %s",
				value, vc.MaxPositionValue),
		}
	}
	return nil
}
