package convert

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

const dateLayout = "2006-01-02"

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	dateLayout,
}

// money reads a loosely typed amount without going through binary floating point for strings
func money(v any) decimal.Decimal {
	switch x := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero
		}
		return d
	case decimal.Decimal:
		return x
	}
	return decimal.NewFromFloat(document.ToFloat(v))
}

// amount renders a decimal the way the local store expects numbers
func amount(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

var hundred = decimal.NewFromInt(100)

// applyDiscount returns the discount and the net rate for a price list rate and a percentage
func applyDiscount(priceListRate, percent any) (discount, rate float64) {
	base := money(priceListRate)
	d := base.Mul(money(percent)).Div(hundred)
	return amount(d), amount(base.Sub(d))
}

// normaliseDate reduces timestamps sent by Books to a plain date. Unparseable values are kept.
func normaliseDate(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(dateLayout)
		}
	}
	return v
}

// padHSN left-pads an HSN code with zeros to six digits
func padHSN(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || len(code) >= 6 {
		return code
	}
	return strings.Repeat("0", 6-len(code)) + code
}

// submissionFlags sets the Books lifecycle flags from a local docstatus
func submissionFlags(src, out document.Record) {
	switch src.DocStatus() {
	case document.Cancelled:
		out["submitted"] = true
		out["cancelled"] = true
	case document.Submitted:
		out["submitted"] = true
	default:
		out["submitted"] = false
	}
}

// stripSpace removes every whitespace rune
func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
