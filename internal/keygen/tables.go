package keygen

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"skyflip/internal/model"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// RangeMode selects how a range-sensitive numeric attribute is bucketed.
type RangeMode string

const (
	RangeFixed   RangeMode = "fixed"
	RangePercent RangeMode = "percent"
)

// RangeRule describes one bucketing rule.
type RangeRule struct {
	Mode    RangeMode `yaml:"mode"`
	Width   float64   `yaml:"width"`
	Percent float64   `yaml:"percent"`
}

// Tables holds the curated lookup data used by the canonicalizer, the
// component valuer and the detector denylist. A Tables value must not be
// modified after Compile.
type Tables struct {
	LevelBucketWidth int            `yaml:"level_bucket_width"`
	DefaultMaxLevel  int            `yaml:"default_max_level"`
	MaxLevels        map[string]int `yaml:"max_levels"`

	RelevantReforges []string `yaml:"relevant_reforges"`

	DefaultEnchantThreshold int            `yaml:"default_enchant_threshold"`
	UltimatePrefix          string         `yaml:"ultimate_prefix"`
	EnchantThresholds       map[string]int `yaml:"enchant_thresholds"`

	IgnoredAttributes []string             `yaml:"ignored_attributes"`
	IgnoredPrefixes   []string             `yaml:"ignored_prefixes"`
	KillsRule         RangeRule            `yaml:"kills_rule"`
	RangeAttributes   map[string]RangeRule `yaml:"range_attributes"`

	ValuableHeldItems []string `yaml:"valuable_held_items"`
	ExpBoostMarkers   []string `yaml:"exp_boost_markers"`

	ConcreteGemSlots    []string `yaml:"concrete_gem_slots"`
	GenericGemSlots     []string `yaml:"generic_gem_slots"`
	GemSocketAttributes []string `yaml:"gem_socket_attributes"`

	IntroducedAt map[string]time.Time `yaml:"introduced_at"`

	DeniedTags         []string `yaml:"denied_tags"`
	SpecialSaleMarkers []string `yaml:"special_sale_markers"`

	reforges      map[string]struct{}
	ignored       map[string]struct{}
	valuableHeld  map[string]struct{}
	concreteSlots map[string]struct{}
	genericSlots  map[string]struct{}
	socketAttrs   map[string]struct{}
	deniedTags    map[string]struct{}
	gemKey        *regexp.Regexp
	gatedAttrs    []string
}

var defaultTables = sync.OnceValues(func() (*Tables, error) {
	return ParseTables(defaultTablesYAML)
})

// DefaultTables returns the tables compiled into the binary.
func DefaultTables() *Tables {
	t, err := defaultTables()
	if err != nil {
		// embedded data is covered by tests
		panic(fmt.Sprintf("keygen: embedded tables: %v", err))
	}
	return t
}

// LoadTables reads a YAML tables file. An empty path yields the embedded
// tables.
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return defaultTables()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}
	return ParseTables(data)
}

// ParseTables decodes and compiles a YAML tables document.
func ParseTables(data []byte) (*Tables, error) {
	t := &Tables{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse tables: %w", err)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tables) compile() error {
	if t.LevelBucketWidth <= 0 {
		t.LevelBucketWidth = 10
	}
	if t.DefaultMaxLevel <= 0 {
		t.DefaultMaxLevel = 100
	}
	if t.DefaultEnchantThreshold <= 0 {
		t.DefaultEnchantThreshold = 6
	}
	if t.UltimatePrefix == "" {
		t.UltimatePrefix = "ultimate_"
	}
	for name, rule := range t.RangeAttributes {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("range attribute %q: %w", name, err)
		}
	}
	if t.KillsRule.Mode != "" {
		if err := t.KillsRule.validate(); err != nil {
			return fmt.Errorf("kills rule: %w", err)
		}
	}

	t.reforges = lowerSet(t.RelevantReforges)
	t.ignored = set(t.IgnoredAttributes)
	t.valuableHeld = set(t.ValuableHeldItems)
	t.concreteSlots = set(t.ConcreteGemSlots)
	t.genericSlots = set(t.GenericGemSlots)
	t.socketAttrs = set(t.GemSocketAttributes)
	t.deniedTags = set(t.DeniedTags)

	slots := append(append([]string{}, t.ConcreteGemSlots...), t.GenericGemSlots...)
	if len(slots) > 0 {
		for i, s := range slots {
			slots[i] = regexp.QuoteMeta(s)
		}
		re, err := regexp.Compile(`^(` + strings.Join(slots, "|") + `)_(\d+)(_gem)?$`)
		if err != nil {
			return fmt.Errorf("gem slot pattern: %w", err)
		}
		t.gemKey = re
	}

	t.gatedAttrs = make([]string, 0, len(t.IntroducedAt))
	for k := range t.IntroducedAt {
		t.gatedAttrs = append(t.gatedAttrs, k)
	}
	sort.Strings(t.gatedAttrs)
	return nil
}

func (r RangeRule) validate() error {
	switch r.Mode {
	case RangeFixed:
		if r.Width <= 0 {
			return fmt.Errorf("fixed width must be positive")
		}
	case RangePercent:
		if r.Percent <= 0 {
			return fmt.Errorf("percent must be positive")
		}
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	return nil
}

// MaxLevel is the level cap of the carrier identified by tag.
func (t *Tables) MaxLevel(tag string) int {
	if lvl, ok := t.MaxLevels[tag]; ok {
		return lvl
	}
	return t.DefaultMaxLevel
}

// ReforgeRelevant reports whether a reforge affects price.
func (t *Tables) ReforgeRelevant(reforge string) bool {
	_, ok := t.reforges[strings.ToLower(reforge)]
	return ok
}

// EnchantHighValue reports whether an enchantment at the given level is
// part of the high-value subset.
func (t *Tables) EnchantHighValue(e model.Enchantment) bool {
	name := strings.ToLower(e.Type)
	if strings.HasPrefix(name, t.UltimatePrefix) {
		return true
	}
	threshold, ok := t.EnchantThresholds[name]
	if !ok {
		threshold = t.DefaultEnchantThreshold
	}
	return e.Level >= threshold
}

// Ignored reports whether an attribute never affects price.
func (t *Tables) Ignored(key string) bool {
	if _, ok := t.ignored[key]; ok {
		return true
	}
	for _, p := range t.IgnoredPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// RangeRuleFor returns the bucketing rule for a numeric attribute.
func (t *Tables) RangeRuleFor(key string) (RangeRule, bool) {
	if r, ok := t.RangeAttributes[key]; ok {
		return r, true
	}
	if t.KillsRule.Mode != "" && strings.HasSuffix(strings.ToLower(key), "kills") {
		return t.KillsRule, true
	}
	return RangeRule{}, false
}

// HeldItemValuable reports whether a held sub-item is priced on its own.
func (t *Tables) HeldItemValuable(item string) bool {
	_, ok := t.valuableHeld[item]
	return ok
}

// HeldItemExpBoost reports whether a held sub-item only speeds up leveling.
func (t *Tables) HeldItemExpBoost(item string) bool {
	for _, m := range t.ExpBoostMarkers {
		if strings.Contains(item, m) {
			return true
		}
	}
	return false
}

// GemAttribute reports whether an attribute key belongs to the socket
// system. The slot class and index are returned for socket quality keys;
// companion keys (suffix _gem) and socket bookkeeping keys return ok with
// an empty slot.
func (t *Tables) GemAttribute(key string) (slot string, ok bool) {
	if _, found := t.socketAttrs[key]; found {
		return "", true
	}
	if t.gemKey == nil {
		return "", false
	}
	m := t.gemKey.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	if m[3] != "" {
		return "", true
	}
	return m[1], true
}

// ConcreteGemSlot reports whether a slot class names the gem type itself.
func (t *Tables) ConcreteGemSlot(slot string) bool {
	_, ok := t.concreteSlots[slot]
	return ok
}

// DateGateOK reports whether a listing may be aggregated: every attribute
// with an introduction date requires the item to be created after that
// date. Listings without a creation time are not gated.
func (t *Tables) DateGateOK(l *model.Listing) bool {
	if l == nil || l.ItemCreatedAt == nil || len(l.Attributes) == 0 {
		return true
	}
	for _, attr := range t.gatedAttrs {
		if _, ok := l.Attributes[attr]; !ok {
			continue
		}
		if !l.ItemCreatedAt.After(t.IntroducedAt[attr]) {
			return false
		}
	}
	return true
}

// Denied reports whether a listing must never be compared against
// aggregates.
func (t *Tables) Denied(l *model.Listing) bool {
	if l == nil || strings.TrimSpace(stripFormatting(l.ItemName)) == "" || l.Tag == "" {
		return true
	}
	if _, ok := t.deniedTags[l.Tag]; ok {
		return true
	}
	for _, m := range t.SpecialSaleMarkers {
		if strings.Contains(l.Tag, m) {
			return true
		}
	}
	return false
}

func set(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func lowerSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[strings.ToLower(it)] = struct{}{}
	}
	return m
}
