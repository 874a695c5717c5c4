package oms

import (
	"github.com/cw07/omsflow/pkg/oms/model"
)

// The order index maps order IDs to shared *model.Order values. An open
// order is polled by exactly one monitor task, but cancel/replace entry
// points touch it too, so every mutable field stays behind the order's lock.

func (s *OMS) addOrderToIndex(order *model.Order) bool {
	_, loaded := s.orders.LoadOrStore(order.OrderID, order)
	return !loaded
}

func (s *OMS) GetOrderByOrderID(orderID string) (*model.Order, error) {
	v, ok := s.orders.Load(orderID)
	if !ok {
		return nil, errOrderNotFound
	}
	return v.(*model.Order), nil
}

// Orders returns a snapshot of every order in the index.
func (s *OMS) Orders() []*model.Order {
	var out []*model.Order
	s.orders.Range(func(_, v any) bool {
		out = append(out, v.(*model.Order))
		return true
	})
	return out
}

func (s *OMS) openOrders() []*model.Order {
	var out []*model.Order
	s.orders.Range(func(_, v any) bool {
		o := v.(*model.Order)
		if o.CurrentStatus().IsOpen() {
			out = append(out, o)
		}
		return true
	})
	return out
}
