package domain

import (
	"regexp"
	"testing"
	"time"

	"github.com/draftea/order-saga/shared/models"
	"github.com/stretchr/testify/assert"
)

type fixedRandom struct {
	values []int
	calls  int
}

func (r *fixedRandom) IntN(n int) int {
	v := r.values[r.calls%len(r.values)]
	r.calls++
	return v % n
}

func TestSimulator_ReserveStock(t *testing.T) {
	tests := []struct {
		name     string
		roll     int
		expected Reservation
	}{
		{name: "roll below failure odds fails", roll: 9, expected: Reservation{Reason: "Insufficient stock for Laptop"}},
		{name: "roll at failure odds reserves", roll: 10, expected: Reservation{Reserved: true}},
		{name: "high roll reserves", roll: 99, expected: Reservation{Reserved: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimulator(DefaultOdds, &fixedRandom{values: []int{tt.roll}})
			assert.Equal(t, tt.expected, sim.ReserveStock("Laptop", 2))
		})
	}
}

func TestSimulator_ProcessPayment(t *testing.T) {
	t.Run("refusal above credit limit", func(t *testing.T) {
		sim := NewSimulator(DefaultOdds, &fixedRandom{values: []int{0}})
		result := sim.ProcessPayment(models.MoneyFromDecimal(500.01, "USD"))

		assert.False(t, result.Approved)
		assert.Equal(t, ReasonCreditLimitExceeded, result.Reason)
		assert.Empty(t, result.TransactionID)
	})

	t.Run("refusal at credit limit reads as declined card", func(t *testing.T) {
		sim := NewSimulator(DefaultOdds, &fixedRandom{values: []int{19}})
		result := sim.ProcessPayment(models.MoneyFromDecimal(500, "USD"))

		assert.False(t, result.Approved)
		assert.Equal(t, ReasonCardDeclined, result.Reason)
	})

	t.Run("approval yields transaction id", func(t *testing.T) {
		sim := NewSimulator(DefaultOdds, &fixedRandom{values: []int{20}})
		result := sim.ProcessPayment(models.MoneyFromDecimal(150.25, "USD"))

		assert.True(t, result.Approved)
		assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{12}$`), result.TransactionID)
	})
}

func TestSimulator_ArrangeShipping(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("shortest delivery", func(t *testing.T) {
		sim := NewSimulator(DefaultOdds, &fixedRandom{values: []int{0}})
		shipment := sim.ArrangeShipping(now)

		assert.Regexp(t, regexp.MustCompile(`^TRK-[0-9A-F]{8}$`), shipment.TrackingNumber)
		assert.Equal(t, now.AddDate(0, 0, 3), shipment.EstimatedDelivery)
	})

	t.Run("longest delivery", func(t *testing.T) {
		sim := NewSimulator(DefaultOdds, &fixedRandom{values: []int{4}})
		assert.Equal(t, now.AddDate(0, 0, 7), sim.ArrangeShipping(now).EstimatedDelivery)
	})
}

func TestSimulator_NeverFailsWithZeroOdds(t *testing.T) {
	odds := DefaultOdds
	odds.StockFailurePercent = 0
	odds.PaymentFailurePercent = 0
	sim := NewSimulator(odds, &fixedRandom{values: []int{0}})

	assert.True(t, sim.ReserveStock("Phone", 1).Reserved)
	assert.True(t, sim.ProcessPayment(models.NewMoney(100, "USD")).Approved)
}
