// Package keygen builds equivalence-class keys: two listings that trade as
// the same good map to the same key, and the aggregator and the detector
// must agree on it bit for bit.
package keygen

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"skyflip/internal/model"
)

const (
	partSep = "|"

	attrHeldItem  = "heldItem"
	attrCandyUsed = "candyUsed"
	attrSkin      = "skin"
)

var (
	formattingCode = regexp.MustCompile(`§.`)
	bracketLevel   = regexp.MustCompile(`\[Lvl (\d+)\]`)
	trailingLevel  = regexp.MustCompile(` (\d+)$`)
	spaces         = regexp.MustCompile(`\s+`)

	// Delimiters inside free-form text are backslash-escaped so distinct
	// listings can never render the same key.
	partEscaper    = strings.NewReplacer(`\`, `\\`, `|`, `\|`)
	enchantEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `{`, `\{`, `}`, `\}`, `,`, `\,`)
	attrKeyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `[`, `\[`, `]`, `\]`, `,`, `\,`)
	attrValEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `[`, `\[`, `]`, `\]`)
)

// Canonicalizer turns listings into equivalence keys. It is stateless apart
// from its immutable tables and safe for concurrent use.
type Canonicalizer struct {
	tables *Tables
}

// New returns a canonicalizer over t, or over the embedded tables when t
// is nil.
func New(t *Tables) *Canonicalizer {
	if t == nil {
		t = DefaultTables()
	}
	return &Canonicalizer{tables: t}
}

// Tables exposes the lookup tables the canonicalizer was built with.
func (c *Canonicalizer) Tables() *Tables {
	return c.tables
}

// Key returns the full equivalence key of l.
func (c *Canonicalizer) Key(l *model.Listing) string {
	return c.build(l, true)
}

// BaseKey returns the key of l with every socket/gem attribute left out, so
// gem value can be priced separately and added back.
func (c *Canonicalizer) BaseKey(l *model.Listing) string {
	return c.build(l, false)
}

func (c *Canonicalizer) build(l *model.Listing, withGems bool) string {
	if l == nil {
		return ""
	}
	level, hasLevel := Level(l.ItemName)

	count := l.Count
	if count <= 0 {
		count = 1
	}
	reforge := ""
	if c.tables.ReforgeRelevant(l.Reforge) {
		reforge = strings.ToLower(l.Reforge)
	}

	var b strings.Builder
	partEscaper.WriteString(&b, l.Tag)
	b.WriteString(partSep)
	partEscaper.WriteString(&b, c.normalizeName(l.Tag, l.ItemName))
	b.WriteString(partSep)
	partEscaper.WriteString(&b, strings.ToUpper(l.Tier))
	b.WriteString(partSep)
	b.WriteString(strconv.Itoa(count))
	b.WriteString(partSep)
	partEscaper.WriteString(&b, reforge)
	b.WriteString(partSep)
	c.writeEnchantments(&b, l.Enchantments)
	b.WriteString(partSep)
	c.writeAttributes(&b, l, level, hasLevel, withGems)
	return b.String()
}

// normalizeName strips formatting codes and blurs level numbers.
func (c *Canonicalizer) normalizeName(tag, name string) string {
	name = formattingCode.ReplaceAllString(name, "")
	maxLevel := c.tables.MaxLevel(tag)
	blur := func(raw string) string {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return raw
		}
		return strconv.Itoa(c.levelBucket(n, maxLevel))
	}
	if bracketLevel.MatchString(name) {
		name = bracketLevel.ReplaceAllStringFunc(name, func(m string) string {
			return "[Lvl " + blur(bracketLevel.FindStringSubmatch(m)[1]) + "]"
		})
	} else if m := trailingLevel.FindStringSubmatch(name); m != nil {
		name = strings.TrimSuffix(name, m[0]) + " " + blur(m[1])
	}
	return strings.TrimSpace(spaces.ReplaceAllString(name, " "))
}

// levelBucket keeps capped levels exact and floors the rest to the bucket
// width.
func (c *Canonicalizer) levelBucket(n, maxLevel int) int {
	if n >= maxLevel || n < 0 {
		return n
	}
	w := c.tables.LevelBucketWidth
	return n / w * w
}

func (c *Canonicalizer) writeEnchantments(b *strings.Builder, all model.Enchantments) {
	picked := make([]model.Enchantment, 0, len(all))
	for _, e := range all {
		if c.tables.EnchantHighValue(e) {
			picked = append(picked, e)
		}
	}
	if len(picked) == 0 {
		picked = append(picked, all...)
	}
	sort.Slice(picked, func(i, j int) bool {
		ti, tj := strings.ToLower(picked[i].Type), strings.ToLower(picked[j].Type)
		if ti != tj {
			return ti < tj
		}
		return picked[i].Level < picked[j].Level
	})
	for _, e := range picked {
		b.WriteString("{")
		enchantEscaper.WriteString(b, strings.ToLower(e.Type))
		b.WriteString(",")
		b.WriteString(strconv.Itoa(e.Level))
		b.WriteString("}")
	}
}

func (c *Canonicalizer) writeAttributes(b *strings.Builder, l *model.Listing, level int, hasLevel, withGems bool) {
	keys := make([]string, 0, len(l.Attributes))
	for k := range l.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if c.tables.Ignored(key) {
			continue
		}
		if !withGems {
			if _, gem := c.tables.GemAttribute(key); gem {
				continue
			}
		}
		value, keep := c.attributeValue(l, key, l.Attributes[key], level, hasLevel)
		if !keep {
			continue
		}
		b.WriteString("[")
		attrKeyEscaper.WriteString(b, key)
		b.WriteString(", ")
		attrValEscaper.WriteString(b, value)
		b.WriteString("]")
	}
}

func (c *Canonicalizer) attributeValue(l *model.Listing, key, raw string, level int, hasLevel bool) (string, bool) {
	switch key {
	case attrHeldItem:
		return c.heldItem(l.Tag, raw, level, hasLevel)
	case attrCandyUsed:
		if skin, _ := l.Attr(attrSkin); skin != "" {
			return "", false
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return "", false
		}
		if n > 0 {
			return "used", true
		}
		return "unused", true
	}
	if rule, ok := c.tables.RangeRuleFor(key); ok {
		return bucketValue(rule, raw), true
	}
	return raw, true
}

// heldItem keeps valuable items exact, collapses exp boosters while the
// carrier can still grow, and drops everything else.
func (c *Canonicalizer) heldItem(tag, item string, level int, hasLevel bool) (string, bool) {
	if item == "" {
		return "", false
	}
	if c.tables.HeldItemValuable(item) || !hasLevel {
		return item, true
	}
	if level < c.tables.MaxLevel(tag) && c.tables.HeldItemExpBoost(item) {
		return "exp_boost", true
	}
	return "", false
}

// Level extracts the carrier level from a display name.
func Level(name string) (int, bool) {
	name = formattingCode.ReplaceAllString(name, "")
	m := bracketLevel.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// bucketValue maps a numeric attribute onto its bucket lower bound.
// Non-numeric values are kept verbatim.
func bucketValue(rule RangeRule, raw string) string {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return raw
	}
	switch rule.Mode {
	case RangeFixed:
		return formatNumber(math.Floor(v/rule.Width) * rule.Width)
	case RangePercent:
		if v < 1 {
			return formatNumber(math.Floor(v))
		}
		base := 1 + rule.Percent/100
		idx := math.Floor(math.Log(v)/math.Log(base) + 1e-9)
		return formatNumber(math.Floor(math.Pow(base, idx) + 1e-9))
	}
	return raw
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func stripFormatting(s string) string {
	return formattingCode.ReplaceAllString(s, "")
}
