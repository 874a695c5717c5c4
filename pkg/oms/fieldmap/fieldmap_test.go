package fieldmap

import (
	"errors"
	"testing"

	"github.com/quickfixgo/tag"
	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/model"
	"github.com/cw07/omsflow/pkg/oms/refdata"
)

func testMapper() *Mapper {
	tables := refdata.New(&refdata.Config{
		SecurityType: map[string]string{"EQUITY": "CS", "FUTURE": "FUT"},
		OrderType:    map[string]string{"LIMIT": "2", "TWAP": "U"},
		TimeInForce:  map[string]string{"DAY": "0", "IOC": "3"},
	})
	return NewMapper(tables, SessionConfig{
		SenderCompID: "OMS",
		TargetCompID: "BROKER",
		Account:      "HOUSE",
	})
}

func testOrder() *model.Order {
	return &model.Order{
		OrderID:      "ord-1",
		Account:      "ACC1",
		Symbol:       "AAPL",
		SecurityType: model.SecurityTypeEquity,
		Side:         model.OrderSideBuy,
		Type:         model.OrderTypeLimit,
		TimeInForce:  model.TimeInForceIOC,
		Quantity:     decimal.NewFromInt(100),
		Price:        decimal.NewFromFloat(99.5),
		HasPrice:     true,
	}
}

func TestMapTranslatesEnums(t *testing.T) {
	fields, err := testMapper().Map(testOrder())
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}

	expect := map[string]string{
		"security_type": "CS",
		"ord_type":      "2",
		"tif":           "3",
	}
	if v, _ := fields.Get(tag.SecurityType); v != expect["security_type"] {
		t.Errorf("SecurityType = %q, want %q", v, expect["security_type"])
	}
	if v, _ := fields.Get(tag.OrdType); v != expect["ord_type"] {
		t.Errorf("OrdType = %q, want %q", v, expect["ord_type"])
	}
	if v, _ := fields.Get(tag.TimeInForce); v != expect["tif"] {
		t.Errorf("TimeInForce = %q, want %q", v, expect["tif"])
	}
}

func TestMapCarriesSessionAndOrderFields(t *testing.T) {
	fields, err := testMapper().Map(testOrder())
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}

	if v, _ := fields.Get(tag.SenderCompID); v != "OMS" {
		t.Errorf("SenderCompID = %q", v)
	}
	if v, _ := fields.Get(tag.ClOrdID); v != "ord-1" {
		t.Errorf("ClOrdID = %q", v)
	}
	if v, _ := fields.Get(tag.Account); v != "ACC1" {
		t.Errorf("Account = %q, want order account over session default", v)
	}
	if v, _ := fields.Get(tag.OrderQty); v != "100" {
		t.Errorf("OrderQty = %q", v)
	}
	if v, _ := fields.Get(tag.Price); v != "99.5" {
		t.Errorf("Price = %q", v)
	}
}

func TestMapUsesSessionAccountFallback(t *testing.T) {
	o := testOrder()
	o.Account = ""

	fields, err := testMapper().Map(o)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if v, _ := fields.Get(tag.Account); v != "HOUSE" {
		t.Errorf("Account = %q, want session fallback HOUSE", v)
	}
}

func TestMapTWAPCode(t *testing.T) {
	o := testOrder()
	o.Type = model.OrderTypeTWAP

	fields, err := testMapper().Map(o)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if v, _ := fields.Get(tag.OrdType); v != "U" {
		t.Errorf("OrdType = %q, want U for TWAP", v)
	}
}

func TestMapOmitsPriceWhenAbsent(t *testing.T) {
	o := testOrder()
	o.Type = model.OrderTypeTWAP
	o.HasPrice = false

	fields, err := testMapper().Map(o)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if _, ok := fields.Get(tag.Price); ok {
		t.Error("price field present for priceless order")
	}
}

func TestMapRefDataGapFails(t *testing.T) {
	o := testOrder()
	o.SecurityType = model.SecurityTypeOption // no table entry

	_, err := testMapper().Map(o)
	var merr *refdata.MappingError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	if merr.Table != "security_type" {
		t.Errorf("Table = %q, want security_type", merr.Table)
	}
}
