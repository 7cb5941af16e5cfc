package plots

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PlotStatus enumerates the commercial status of a plot.
type PlotStatus string

const (
	PlotStatusAvailable PlotStatus = "AVAILABLE"
	PlotStatusTokened   PlotStatus = "TOKENED"
	PlotStatusBooked    PlotStatus = "BOOKED"
	PlotStatusSold      PlotStatus = "SOLD"
)

// ReceiptType distinguishes refundable token payments from booking payments.
type ReceiptType string

const (
	ReceiptTypeToken   ReceiptType = "token"
	ReceiptTypeBooking ReceiptType = "booking"
)

// Valid reports whether t is a known receipt type.
func (t ReceiptType) Valid() bool {
	return t == ReceiptTypeToken || t == ReceiptTypeBooking
}

// ReceiptStatus enumerates receipt lifecycle states.
type ReceiptStatus string

const (
	ReceiptStatusPending   ReceiptStatus = "PENDING"
	ReceiptStatusApproved  ReceiptStatus = "APPROVED"
	ReceiptStatusRejected  ReceiptStatus = "REJECTED"
	ReceiptStatusConverted ReceiptStatus = "CONVERTED"
	ReceiptStatusExpired   ReceiptStatus = "EXPIRED"
)

// Counted reports whether receipts in this status contribute to the plot's
// received amount and payment percentage.
func (s ReceiptStatus) Counted() bool {
	return s == ReceiptStatusApproved || s == ReceiptStatusConverted
}

var (
	// ErrNotFound indicates the plot or receipt does not exist.
	ErrNotFound = errors.New("plots: not found")
	// ErrLockTimeout indicates the per-plot lock could not be acquired in time.
	ErrLockTimeout = errors.New("plots: lock wait timeout")
	// ErrConflict indicates a batch row changed after it was read.
	ErrConflict = errors.New("plots: concurrent modification")
)

// Plot is a saleable land plot.
type Plot struct {
	ID             int64
	SiteName       string
	PlotNumber     string
	Area           decimal.Decimal
	Rate           decimal.Decimal
	Status         PlotStatus
	ReceivedAmount decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TotalPrice is rate times area.
func (p Plot) TotalPrice() decimal.Decimal {
	return p.Rate.Mul(p.Area)
}

// Receipt is a token or booking payment. PlotID is nil for token receipts not
// yet tied to an inventory plot.
type Receipt struct {
	ID              int64
	PlotID          *int64
	ReceiptType     ReceiptType
	Status          ReceiptStatus
	Amount          decimal.Decimal
	TotalAmount     decimal.Decimal
	TokenExpiryDate *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CountedAmount is the admin-discounted total, falling back to Amount when the
// total is unset.
func (r Receipt) CountedAmount() decimal.Decimal {
	if r.TotalAmount.IsZero() {
		return r.Amount
	}
	return r.TotalAmount
}

// BelongsTo reports whether the receipt references plotID.
func (r Receipt) BelongsTo(plotID int64) bool {
	return r.PlotID != nil && *r.PlotID == plotID
}

// Batch groups plot and receipt writes persisted atomically. Receipt writes
// apply only to receipts still APPROVED. A plot listed in PlotVersions is
// written only if its stored UpdatedAt still equals the recorded value.
type Batch struct {
	Plots        []Plot
	Receipts     []Receipt
	PlotVersions map[int64]time.Time
}

// Empty reports whether the batch carries no writes.
func (b Batch) Empty() bool {
	return len(b.Plots) == 0 && len(b.Receipts) == 0
}

// StatusChange describes a plot status transition published to subscribers.
type StatusChange struct {
	PlotID int64      `json:"plot_id"`
	From   PlotStatus `json:"from"`
	To     PlotStatus `json:"to"`
	Reason string     `json:"reason"`
	At     time.Time  `json:"at"`
}
