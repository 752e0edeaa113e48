package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrCurrencyMismatch = errors.New("currency mismatch")

// ID represents a unique identifier
type ID string

// GenerateUUID creates a new UUID
func GenerateUUID() ID {
	return ID(uuid.New().String())
}

// NewNameBasedID derives a stable UUID from parts, so the same inputs always
// yield the same ID
func NewNameBasedID(parts ...string) ID {
	return ID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String())
}

// NewID creates an ID from string
func NewID(id string) (ID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", err
	}
	return ID(parsed.String()), nil
}

// String returns string representation
func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

// Timestamps represents creation and update times
type Timestamps struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTimestamps creates timestamps set to now
func NewTimestamps(now time.Time) Timestamps {
	return Timestamps{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch moves UpdatedAt forward, never backwards
func (t Timestamps) Touch(now time.Time) Timestamps {
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
	return t
}

// Version is the optimistic concurrency token of an entity
type Version struct {
	Value int
}

// NewVersion is the version of a freshly created entity
func NewVersion() Version {
	return Version{Value: 1}
}

// Next increments version
func (v Version) Next() Version {
	v.Value++
	return v
}

// Previous is the version a conditioned write expects to replace
func (v Version) Previous() int {
	return v.Value - 1
}

func (v Version) IsNew() bool {
	return v.Value == 1
}

// Money represents monetary amount
type Money struct {
	Amount   int64  `json:"amount"`   // Amount in cents
	Currency string `json:"currency"` // Currency code (USD, EUR, etc.)
}

// NewMoney creates a new money value
func NewMoney(amount int64, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// MoneyFromDecimal converts a decimal amount such as 150.25 into cents
func MoneyFromDecimal(amount float64, currency string) Money {
	return NewMoney(int64(math.Round(amount*100)), currency)
}

// Decimal returns the amount in currency units
func (m Money) Decimal() float64 {
	return float64(m.Amount) / 100
}

// IsPositive checks if money is positive
func (m Money) IsPositive() bool {
	return m.Amount > 0
}

// GreaterThan compares two values of the same currency
func (m Money) GreaterThan(other Money) (bool, error) {
	if m.Currency != other.Currency {
		return false, ErrCurrencyMismatch
	}
	return m.Amount > other.Amount, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%.2f %s", m.Decimal(), m.Currency)
}
