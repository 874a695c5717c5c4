package refdata

import (
	"fmt"

	"github.com/cw07/omsflow/pkg/oms/model"
)

// MappingError reports a reference-data gap. After validation it can only
// mean an internal inconsistency, so callers treat it as fatal for the order.
type MappingError struct {
	Table string
	Value string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("no %s mapping for %q", e.Table, e.Value)
}

// Config mirrors the broker_refdata section of the application config.
type Config struct {
	SecurityType map[string]string `yaml:"security_type"`
	OrderType    map[string]string `yaml:"order_type"`
	TimeInForce  map[string]string `yaml:"time_in_force"`
}

// BrokerRefData maps semantic enum values to broker-specific codes. Immutable
// after construction; reload means rebuilding the whole table set.
type BrokerRefData struct {
	securityType map[model.SecurityType]string
	orderType    map[model.OrderType]string
	timeInForce  map[model.TimeInForce]string
}

func New(cfg *Config) *BrokerRefData {
	r := &BrokerRefData{
		securityType: make(map[model.SecurityType]string, len(cfg.SecurityType)),
		orderType:    make(map[model.OrderType]string, len(cfg.OrderType)),
		timeInForce:  make(map[model.TimeInForce]string, len(cfg.TimeInForce)),
	}
	for k, v := range cfg.SecurityType {
		r.securityType[model.SecurityType(k)] = v
	}
	for k, v := range cfg.OrderType {
		r.orderType[model.OrderType(k)] = v
	}
	for k, v := range cfg.TimeInForce {
		r.timeInForce[model.TimeInForce(k)] = v
	}
	return r
}

func (r *BrokerRefData) SecurityTypeCode(st model.SecurityType) (string, error) {
	code, ok := r.securityType[st]
	if !ok {
		return "", &MappingError{Table: "security_type", Value: string(st)}
	}
	return code, nil
}

func (r *BrokerRefData) OrderTypeCode(ot model.OrderType) (string, error) {
	code, ok := r.orderType[ot]
	if !ok {
		return "", &MappingError{Table: "order_type", Value: string(ot)}
	}
	return code, nil
}

func (r *BrokerRefData) TimeInForceCode(tif model.TimeInForce) (string, error) {
	code, ok := r.timeInForce[tif]
	if !ok {
		return "", &MappingError{Table: "time_in_force", Value: string(tif)}
	}
	return code, nil
}

// Resolvable checks every enum of the order against the tables without
// producing codes; used by the validation engine.
func (r *BrokerRefData) Resolvable(o *model.Order) error {
	if _, err := r.SecurityTypeCode(o.SecurityType); err != nil {
		return err
	}
	if _, err := r.OrderTypeCode(o.Type); err != nil {
		return err
	}
	if _, err := r.TimeInForceCode(o.TimeInForce); err != nil {
		return err
	}
	return nil
}
