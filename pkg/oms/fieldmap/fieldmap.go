package fieldmap

import (
	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/quickfix"
	"github.com/quickfixgo/tag"

	"github.com/cw07/omsflow/pkg/oms/model"
)

// Field is one protocol-agnostic (tag, value) pair. The wire encoding is
// produced by the broker session, not here.
type Field struct {
	Tag   quickfix.Tag
	Value string
}

type FieldSet []Field

func (fs FieldSet) Get(t quickfix.Tag) (string, bool) {
	for _, f := range fs {
		if f.Tag == t {
			return f.Value, true
		}
	}
	return "", false
}

// SessionConfig holds the broker session identifiers attached to every
// mapped order.
type SessionConfig struct {
	SenderCompID string `yaml:"sender_comp_id"`
	TargetCompID string `yaml:"target_comp_id"`
	Account      string `yaml:"account"`
}

// Mapper translates a validated order into broker field values using the
// reference tables. Deterministic, no side effects.
type Mapper struct {
	refData BrokerTables
	session SessionConfig
}

// BrokerTables is the lookup surface the mapper needs from reference data.
type BrokerTables interface {
	SecurityTypeCode(model.SecurityType) (string, error)
	OrderTypeCode(model.OrderType) (string, error)
	TimeInForceCode(model.TimeInForce) (string, error)
}

func NewMapper(tables BrokerTables, session SessionConfig) *Mapper {
	return &Mapper{refData: tables, session: session}
}

var sideCodes = map[model.OrderSide]string{
	model.OrderSideBuy:  string(enum.Side_BUY),
	model.OrderSideSell: string(enum.Side_SELL),
}

// Map produces the ordered field set for a validated order. A reference-data
// gap here means validation and translation disagree; the caller dead-letters
// the order rather than defaulting anything.
func (m *Mapper) Map(o *model.Order) (FieldSet, error) {
	secType, err := m.refData.SecurityTypeCode(o.SecurityType)
	if err != nil {
		return nil, err
	}
	ordType, err := m.refData.OrderTypeCode(o.Type)
	if err != nil {
		return nil, err
	}
	tif, err := m.refData.TimeInForceCode(o.TimeInForce)
	if err != nil {
		return nil, err
	}

	account := o.Account
	if account == "" {
		account = m.session.Account
	}

	fields := FieldSet{
		{tag.SenderCompID, m.session.SenderCompID},
		{tag.TargetCompID, m.session.TargetCompID},
		{tag.ClOrdID, o.OrderID},
		{tag.Account, account},
		{tag.Symbol, o.Symbol},
		{tag.Side, sideCodes[o.Side]},
		{tag.OrderQty, o.Quantity.String()},
		{tag.OrdType, ordType},
		{tag.TimeInForce, tif},
		{tag.SecurityType, secType},
	}
	if o.HasPrice {
		fields = append(fields, Field{tag.Price, o.Price.String()})
	}
	return fields, nil
}
