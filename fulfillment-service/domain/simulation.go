// Package domain holds the decisions of the simulated stock, payment and
// shipping providers. Outcomes are random with configurable odds.
package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/draftea/order-saga/shared/models"
	"github.com/google/uuid"
)

const (
	ReasonCreditLimitExceeded = "Credit limit exceeded"
	ReasonCardDeclined        = "Card declined"
)

// Random is the source of simulated outcomes
type Random interface {
	// IntN returns a value in [0, n)
	IntN(n int) int
}

// Odds configures how often the simulated providers fail
type Odds struct {
	// StockFailurePercent is the chance in percent that a reservation fails
	StockFailurePercent int
	// PaymentFailurePercent is the chance in percent that a payment is refused
	PaymentFailurePercent int
	// CreditLimit is the amount above which a refusal reads as a credit limit problem
	CreditLimit models.Money
	// MinDeliveryDays and MaxDeliveryDays bound the estimated delivery
	MinDeliveryDays int
	MaxDeliveryDays int
}

var DefaultOdds = Odds{
	StockFailurePercent:   10,
	PaymentFailurePercent: 20,
	CreditLimit:           models.NewMoney(50000, "USD"),
	MinDeliveryDays:       3,
	MaxDeliveryDays:       7,
}

type Reservation struct {
	Reserved bool
	Reason   string
}

type PaymentResult struct {
	Approved      bool
	TransactionID string
	Reason        string
}

type Shipment struct {
	TrackingNumber    string
	EstimatedDelivery time.Time
}

// Simulator decides the outcome of each provider call
type Simulator struct {
	odds Odds

	mu     sync.Mutex
	random Random
}

func NewSimulator(odds Odds, random Random) *Simulator {
	if odds.MaxDeliveryDays < odds.MinDeliveryDays {
		odds.MaxDeliveryDays = odds.MinDeliveryDays
	}
	return &Simulator{odds: odds, random: random}
}

func (s *Simulator) roll(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.random.IntN(n)
}

// ReserveStock decides whether quantity units of product are available
func (s *Simulator) ReserveStock(product string, _ int) Reservation {
	if s.roll(100) < s.odds.StockFailurePercent {
		return Reservation{Reason: fmt.Sprintf("Insufficient stock for %s", product)}
	}
	return Reservation{Reserved: true}
}

// ProcessPayment decides whether amount is charged
func (s *Simulator) ProcessPayment(amount models.Money) PaymentResult {
	if s.roll(100) < s.odds.PaymentFailurePercent {
		reason := ReasonCardDeclined
		if amount.Amount > s.odds.CreditLimit.Amount {
			reason = ReasonCreditLimitExceeded
		}
		return PaymentResult{Reason: reason}
	}

	return PaymentResult{Approved: true, TransactionID: compactID(12)}
}

// ArrangeShipping always succeeds with a tracking number and an ETA some days after now
func (s *Simulator) ArrangeShipping(now time.Time) Shipment {
	span := s.odds.MaxDeliveryDays - s.odds.MinDeliveryDays + 1
	days := s.odds.MinDeliveryDays + s.roll(span)

	return Shipment{
		TrackingNumber:    "TRK-" + compactID(8),
		EstimatedDelivery: now.AddDate(0, 0, days),
	}
}

func compactID(length int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:length])
}
