package plots

import (
	"time"

	"github.com/shopspring/decimal"
)

// SoldThreshold is the payment percentage at which a booked plot becomes sold.
var SoldThreshold = decimal.NewFromInt(60)

var hundred = decimal.NewFromInt(100)

// ReceivedAmount sums the counted amount of approved and converted receipts.
func ReceivedAmount(receipts []Receipt) decimal.Decimal {
	total := decimal.Zero
	for _, r := range receipts {
		if r.Status.Counted() {
			total = total.Add(r.CountedAmount())
		}
	}
	return total
}

// PaymentPercentage returns paid / totalPrice * 100, or zero for an unpriced plot.
func PaymentPercentage(paid, totalPrice decimal.Decimal) decimal.Decimal {
	if totalPrice.IsZero() {
		return decimal.Zero
	}
	return paid.Div(totalPrice).Mul(hundred)
}

// StatusForPercentage maps a booking payment percentage to SOLD or BOOKED.
// ok is false when the percentage is not positive.
func StatusForPercentage(pct decimal.Decimal) (status PlotStatus, ok bool) {
	switch {
	case pct.GreaterThanOrEqual(SoldThreshold):
		return PlotStatusSold, true
	case pct.IsPositive():
		return PlotStatusBooked, true
	default:
		return "", false
	}
}

// CalculateStatus derives a plot's status and payment percentage from its
// receipt history. It has no side effects; now is supplied by the caller.
func CalculateStatus(plot Plot, receipts []Receipt, now time.Time) (PlotStatus, decimal.Decimal) {
	counted := make([]Receipt, 0, len(receipts))
	hasBooking := false
	for _, r := range receipts {
		if !r.Status.Counted() {
			continue
		}
		counted = append(counted, r)
		if r.ReceiptType == ReceiptTypeBooking {
			hasBooking = true
		}
	}

	if hasBooking {
		pct := PaymentPercentage(ReceivedAmount(counted), plot.TotalPrice())
		if pct.GreaterThanOrEqual(SoldThreshold) {
			return PlotStatusSold, pct
		}
		return PlotStatusBooked, pct
	}

	var latest *Receipt
	for i := range counted {
		r := &counted[i]
		if r.ReceiptType != ReceiptTypeToken {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) ||
			(r.CreatedAt.Equal(latest.CreatedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest != nil && latest.TokenExpiryDate != nil && latest.TokenExpiryDate.After(now) {
		return PlotStatusTokened, decimal.Zero
	}
	return PlotStatusAvailable, decimal.Zero
}
