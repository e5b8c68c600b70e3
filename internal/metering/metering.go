// Package metering turns session usage into a charge.
//
// Everything here is pure: no I/O, no clocks, no errors. Money is computed
// with decimal arithmetic and rounded to cents once, at the boundary, so
// that Final + Refund always equals the rounded reserve exactly.
package metering

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Cents is the number of decimal places money is rounded to.
const Cents = 2

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)
)

// CompletionPercentage derives a completion percentage in [0,100] from
// chunk-based engagement metrics:
//
//	{"total_chunks": 120, "viewed_chunks": [0,1,2,5], "rewatched_chunks": [2], "skipped_chunks": [10]}
//
// Only distinct viewed indices inside [0, total_chunks) count. Rewatch and
// skip markers are accepted and ignored. Absent or malformed input yields 0.
func CompletionPercentage(engagement json.RawMessage) float64 {
	if len(engagement) == 0 || !gjson.ValidBytes(engagement) {
		return 0
	}
	doc := gjson.ParseBytes(engagement)
	if !doc.IsObject() {
		return 0
	}

	total, ok := positiveInt(doc.Get("total_chunks"))
	if !ok {
		return 0
	}
	viewed := doc.Get("viewed_chunks")
	if !viewed.IsArray() {
		return 0
	}

	seen := make(map[int64]struct{})
	viewed.ForEach(func(_, v gjson.Result) bool {
		idx, ok := chunkIndex(v)
		if ok && idx >= 0 && idx < total {
			seen[idx] = struct{}{}
		}
		return true
	})

	pct := float64(len(seen)) * 100 / float64(total)
	return clamp(pct, 0, 100)
}

// positiveInt accepts a JSON number with no fractional part greater than zero.
func positiveInt(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	f := r.Float()
	if f <= 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int64(f), true
}

// chunkIndex truncates a numeric or numeric-string element to an index.
func chunkIndex(r gjson.Result) (int64, bool) {
	var f float64
	switch r.Type {
	case gjson.Number:
		f = r.Float()
	case gjson.String:
		parsed, err := strconv.ParseFloat(r.Str, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(math.Trunc(f)), true
}

// ChargeInput is the usage of one session.
type ChargeInput struct {
	DurationMin          float64
	CompletionPercentage float64
	PricePerMin          float64
	TotalDurationMin     float64
	ReserveAmount        float64
}

// Charge is the split of a reserve into what is charged and what is
// returned. Final + Refund == Reserve holds exactly.
type Charge struct {
	WatchedMin       float64
	EngagementFactor float64
	EffectiveMin     float64
	Computed         decimal.Decimal
	Reserve          decimal.Decimal
	Final            decimal.Decimal
	Refund           decimal.Decimal
}

// FinalAmount returns the charge as a float rounded to cents.
func (c Charge) FinalAmount() float64 { return c.Final.InexactFloat64() }

// RefundAmount returns the refund as a float rounded to cents.
func (c Charge) RefundAmount() float64 { return c.Refund.InexactFloat64() }

// ComputeCharge applies the usage model:
//
//	watched   = clamp(duration, 0, total)
//	factor    = clamp(completion/100, 0, 1)
//	effective = watched * (0.5 + 0.5*factor)
//	computed  = max(0, effective * price)
//	final     = min(reserve, computed)
//	refund    = reserve - final
//
// The reserve is rounded to cents first and a negative reserve counts as
// zero. Refund is derived by subtraction, never computed independently.
func ComputeCharge(in ChargeInput) Charge {
	reserve := Round(decimal.NewFromFloat(finite(in.ReserveAmount)))
	if reserve.IsNegative() {
		reserve = decimal.Zero
	}

	total := math.Max(0, finite(in.TotalDurationMin))
	watched := clamp(finite(in.DurationMin), 0, total)
	factor := clamp(finite(in.CompletionPercentage)/100, 0, 1)

	watchedD := decimal.NewFromFloat(watched)
	factorD := decimal.NewFromFloat(factor)
	effective := watchedD.Mul(half.Add(half.Mul(factorD)))

	computed := effective.Mul(decimal.NewFromFloat(finite(in.PricePerMin)))
	if computed.IsNegative() {
		computed = decimal.Zero
	}

	final := Round(decimal.Min(reserve, computed))
	refund := reserve.Sub(final)

	return Charge{
		WatchedMin:       watched,
		EngagementFactor: factor,
		EffectiveMin:     effective.InexactFloat64(),
		Computed:         computed,
		Reserve:          reserve,
		Final:            final,
		Refund:           refund,
	}
}

// ResolveReserve picks the reserve for a new session: the explicit
// override, else the listing's configured reserve, else def. The result is
// rounded to cents and never below floor.
func ResolveReserve(override, listingReserve *float64, def, floor float64) float64 {
	amount := def
	switch {
	case override != nil:
		amount = *override
	case listingReserve != nil:
		amount = *listingReserve
	}
	rounded := Round(decimal.NewFromFloat(finite(amount)))
	f := decimal.NewFromFloat(floor)
	if rounded.LessThan(f) {
		rounded = f
	}
	return rounded.InexactFloat64()
}

// Round rounds d half away from zero to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Cents)
}

// RoundFloat rounds f to cents.
func RoundFloat(f float64) float64 {
	return Round(decimal.NewFromFloat(finite(f))).InexactFloat64()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
