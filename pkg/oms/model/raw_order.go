package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// orderIDNamespace seeds deterministic order IDs so redelivery of the same
// source record always resolves to the same OrderID.
var orderIDNamespace = uuid.MustParse("7b9f2e6a-58d1-4c4f-9f3e-0d1a2b3c4d5e")

// RawOrder is an order record as produced by a source adapter, before
// parsing. Data keys are the column/field names of the origin.
type RawOrder struct {
	Source SourceKind
	// Ref is the natural key of the record at its origin: row ID for SQL,
	// stream entry ID for redis, topic/partition/offset for kafka.
	Ref  string
	Data map[string]string
}

type ParseError struct {
	Ref    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse order ref=%s: %s", e.Ref, e.Reason)
}

// DeriveOrderID computes the stable order ID for a source record.
func DeriveOrderID(source SourceKind, ref string) string {
	return uuid.NewSHA1(orderIDNamespace, []byte(string(source)+"|"+ref)).String()
}

// ParseRawOrder turns a raw source record into a NEW order. Enum fields are
// matched case-insensitively; anything unresolvable is a ParseError, never a
// silently defaulted value.
func ParseRawOrder(raw *RawOrder) (*Order, error) {
	get := func(key string) (string, error) {
		v, ok := raw.Data[key]
		if !ok || v == "" {
			return "", &ParseError{Ref: raw.Ref, Reason: "missing field " + key}
		}
		return v, nil
	}

	account, err := get("account")
	if err != nil {
		return nil, err
	}
	symbol, err := get("symbol")
	if err != nil {
		return nil, err
	}

	secType, err := parseSecurityType(raw, "security_type")
	if err != nil {
		return nil, err
	}
	side, err := parseSide(raw, "side")
	if err != nil {
		return nil, err
	}
	ordType, err := parseOrderType(raw, "order_type")
	if err != nil {
		return nil, err
	}
	tif, err := parseTimeInForce(raw, "time_in_force")
	if err != nil {
		return nil, err
	}

	qtyStr, err := get("quantity")
	if err != nil {
		return nil, err
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil || !qty.IsPositive() {
		return nil, &ParseError{Ref: raw.Ref, Reason: "invalid quantity " + qtyStr}
	}

	order := &Order{
		OrderID:      DeriveOrderID(raw.Source, raw.Ref),
		Source:       raw.Source,
		SourceRef:    raw.Ref,
		Account:      account,
		Symbol:       symbol,
		SecurityType: secType,
		Side:         side,
		Type:         ordType,
		TimeInForce:  tif,
		Quantity:     qty,
		Status:       OrderStatusNew,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if priceStr, ok := raw.Data["price"]; ok && priceStr != "" {
		price, err := decimal.NewFromString(priceStr)
		if err != nil || price.IsNegative() {
			return nil, &ParseError{Ref: raw.Ref, Reason: "invalid price " + priceStr}
		}
		order.Price = price
		order.HasPrice = true
	}

	return order, nil
}

func parseSecurityType(raw *RawOrder, key string) (SecurityType, error) {
	switch SecurityType(strings.ToUpper(raw.Data[key])) {
	case SecurityTypeEquity:
		return SecurityTypeEquity, nil
	case SecurityTypeFuture:
		return SecurityTypeFuture, nil
	case SecurityTypeOption:
		return SecurityTypeOption, nil
	case SecurityTypeForex:
		return SecurityTypeForex, nil
	}
	return "", &ParseError{Ref: raw.Ref, Reason: "unknown security_type " + raw.Data[key]}
}

func parseSide(raw *RawOrder, key string) (OrderSide, error) {
	switch OrderSide(strings.ToUpper(raw.Data[key])) {
	case OrderSideBuy:
		return OrderSideBuy, nil
	case OrderSideSell:
		return OrderSideSell, nil
	}
	return "", &ParseError{Ref: raw.Ref, Reason: "unknown side " + raw.Data[key]}
}

func parseOrderType(raw *RawOrder, key string) (OrderType, error) {
	switch OrderType(strings.ToUpper(raw.Data[key])) {
	case OrderTypeMarket:
		return OrderTypeMarket, nil
	case OrderTypeLimit:
		return OrderTypeLimit, nil
	case OrderTypeTWAP:
		return OrderTypeTWAP, nil
	case OrderTypeVWAP:
		return OrderTypeVWAP, nil
	}
	return "", &ParseError{Ref: raw.Ref, Reason: "unknown order_type " + raw.Data[key]}
}

func parseTimeInForce(raw *RawOrder, key string) (TimeInForce, error) {
	switch TimeInForce(strings.ToUpper(raw.Data[key])) {
	case TimeInForceDAY:
		return TimeInForceDAY, nil
	case TimeInForceGTC:
		return TimeInForceGTC, nil
	case TimeInForceIOC:
		return TimeInForceIOC, nil
	case TimeInForceFOK:
		return TimeInForceFOK, nil
	}
	return "", &ParseError{Ref: raw.Ref, Reason: "unknown time_in_force " + raw.Data[key]}
}
