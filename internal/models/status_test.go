package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransitionTable(t *testing.T) {
	allowed := map[[2]OrderStatus]bool{
		{OrderPendingPayment, OrderProcessing}:    true,
		{OrderPendingPayment, OrderPaymentFailed}: true,
		{OrderPendingPayment, OrderCancelled}:     true,
		{OrderProcessing, OrderPacking}:           true,
		{OrderProcessing, OrderCancelled}:         true,
		{OrderPacking, OrderShipped}:              true,
		{OrderShipped, OrderDelivered}:            true,
		{OrderDelivered, OrderReturned}:           true,
	}
	for _, from := range AllOrderStatuses {
		for _, to := range AllOrderStatuses {
			assert.Equal(t, allowed[[2]OrderStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition("bogus", OrderProcessing))
	assert.False(t, CanTransition(OrderPendingPayment, "bogus"))
}

func TestTerminalOrderStatuses(t *testing.T) {
	terminal := map[OrderStatus]bool{OrderReturned: true, OrderPaymentFailed: true, OrderCancelled: true}
	for _, s := range AllOrderStatuses {
		assert.True(t, s.Valid())
		assert.Equal(t, terminal[s], s.IsTerminal(), s)
	}
	assert.False(t, OrderStatus("bogus").IsTerminal())
	assert.False(t, OrderStatus("bogus").Valid())
}

func TestCanAdvanceShipping(t *testing.T) {
	tests := []struct {
		from, to ShippingStatus
		want     bool
	}{
		{ShippingPacking, ShippingAssigned, true},
		{ShippingPacking, ShippingShipped, true},
		{ShippingPacking, ShippingDelivered, false},
		{ShippingAssigned, ShippingDelivered, false},
		{ShippingShipped, ShippingShipped, true},
		{ShippingShipped, ShippingDelivered, true},
		{ShippingShipped, ShippingPacking, false},
		{ShippingDelivered, ShippingShipped, false},
		{ShippingDelivered, ShippingDelivered, true},
		{"lost", ShippingShipped, false},
		{ShippingPacking, "lost", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanAdvanceShipping(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.Equal(t, -1, ShippingStatus("lost").Rank())
}

func TestAfterSaleEnums(t *testing.T) {
	assert.True(t, AfterSaleReturn.Reverses())
	assert.True(t, AfterSaleRefund.Reverses())
	assert.False(t, AfterSaleExchange.Reverses())
	assert.False(t, AfterSaleSupport.Reverses())
	assert.False(t, AfterSaleType("warranty").Valid())

	assert.True(t, AfterSalePending.Active())
	assert.True(t, AfterSaleApproved.Active())
	assert.False(t, AfterSaleRejected.Active())
}
