package billing

import (
	"errors"
	"math"
	"time"

	"gopkg.in/guregu/null.v4"

	"parking-gate-service/internal/domain/parking"
)

var ErrRateUnavailable = errors.New("daily rate unavailable")

const day = 24 * time.Hour

// ComputeFee charges whole rolling 24h periods, minimum one, unless paidUntil
// still covers referenceTime.
func ComputeFee(dailyRate null.Float, entryTime, referenceTime time.Time, paidUntil null.Time) (parking.FeeQuote, error) {
	hours := referenceTime.Sub(entryTime).Hours()
	quote := parking.FeeQuote{
		Hours:       hours,
		ReceiptDays: ReceiptDays(hours),
		ReferenceAt: referenceTime,
	}

	if paidUntil.Valid && paidUntil.Time.After(referenceTime) {
		quote.FreeReentry = true
		if dailyRate.Valid {
			quote.DailyRate = dailyRate.Float64
		}
		return quote, nil
	}

	if !dailyRate.Valid || dailyRate.Float64 < 0 {
		quote.RateRequired = true
		return quote, ErrRateUnavailable
	}

	quote.DailyRate = dailyRate.Float64
	quote.BillableDays = BillableDays(hours)
	quote.Amount = dailyRate.Float64 * float64(quote.BillableDays)
	return quote, nil
}

func BillableDays(hours float64) int {
	if hours < 24 {
		return 1
	}
	return int(math.Ceil(hours / 24))
}

// ReceiptDays is the half-day granularity shown on printed receipts.
func ReceiptDays(hours float64) float64 {
	units := math.Ceil(hours/12) * 0.5
	if units < 0.5 {
		return 0.5
	}
	return units
}

// PaidUntil is the end of the window covered by a charge of billableDays
// starting at entryTime.
func PaidUntil(entryTime time.Time, billableDays int) time.Time {
	return entryTime.Add(time.Duration(billableDays) * day)
}

// Preview is the live fee display for a parked vehicle: a missing rate is
// reported through RateRequired instead of an error.
func Preview(p parking.Passage, paidUntil null.Time, now time.Time) parking.FeeQuote {
	ref := now
	if p.ExitTime.Valid {
		ref = p.ExitTime.Time
	}
	quote, err := ComputeFee(p.DailyRate, p.EntryTime, ref, paidUntil)
	if errors.Is(err, ErrRateUnavailable) {
		quote.RateRequired = true
	}
	return quote
}
