// Package gems prices socketed gemstones so their value can be netted out
// of sale prices and added back to fair prices.
package gems

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"skyflip/internal/keygen"
	"skyflip/internal/model"
)

// Quality is a gemstone quality tier.
type Quality string

const (
	QualityPerfect  Quality = "PERFECT"
	QualityFlawless Quality = "FLAWLESS"
)

// pricedQualities lists the only tiers worth pricing.
var pricedQualities = []Quality{QualityPerfect, QualityFlawless}

// Fees is the per-tier transaction overhead deducted from a gem's price.
type Fees map[Quality]int64

// DefaultFees matches the configured defaults.
func DefaultFees() Fees {
	return Fees{QualityPerfect: 500_000, QualityFlawless: 100_000}
}

// Valuer computes the gem component of a listing's value.
type Valuer struct {
	tables *keygen.Tables
	prices *PriceCache
	fees   Fees
}

// NewValuer builds a valuer. prices may be nil, in which case every
// listing is valued at zero.
func NewValuer(tables *keygen.Tables, prices *PriceCache, fees Fees) *Valuer {
	if fees == nil {
		fees = DefaultFees()
	}
	return &Valuer{tables: tables, prices: prices, fees: fees}
}

type socket struct {
	quality Quality
	gemType string
}

// GemValue returns the summed net value of the listing's PERFECT and
// FLAWLESS gems and a human-readable breakdown.
func (v *Valuer) GemValue(ctx context.Context, l *model.Listing) (int64, string) {
	sockets := v.sockets(l)
	if len(sockets) == 0 || v.prices == nil {
		return 0, ""
	}
	prices := v.prices.Prices(ctx)
	if len(prices) == 0 {
		return 0, ""
	}

	var total int64
	parts := make([]string, 0, len(sockets))
	for _, s := range sockets {
		product := string(s.quality) + "_" + s.gemType + "_GEM"
		price, ok := prices[product]
		if !ok {
			continue
		}
		net := int64(price) - v.fees[s.quality]
		if net <= 0 {
			continue
		}
		total += net
		parts = append(parts, product+" "+FormatCoins(net))
	}
	return total, strings.Join(parts, ", ")
}

// sockets lists the priced sockets of l in key order.
func (v *Valuer) sockets(l *model.Listing) []socket {
	if l == nil || len(l.Attributes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(l.Attributes))
	for k := range l.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []socket
	for _, key := range keys {
		slot, ok := v.tables.GemAttribute(key)
		if !ok || slot == "" {
			continue
		}
		quality := Quality(strings.ToUpper(strings.TrimSpace(l.Attributes[key])))
		if _, priced := v.fees[quality]; !priced {
			continue
		}
		gemType := slot
		if !v.tables.ConcreteGemSlot(slot) {
			gemType = strings.ToUpper(strings.TrimSpace(l.Attributes[key+"_gem"]))
		}
		if gemType == "" {
			continue
		}
		out = append(out, socket{quality: quality, gemType: gemType})
	}
	return out
}

// FormatCoins renders an amount with thousands separators.
func FormatCoins(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 && !(neg && b.Len() == 1) {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
