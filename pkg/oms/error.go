package oms

import "errors"

var (
	errOrderNotFound       = errors.New("orderID not found")
	errInvalidOrderStatus  = errors.New("invalid order status")
	errDuplicateSubmission = errors.New("submission already in flight")
)
