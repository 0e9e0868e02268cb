package wallet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultCeiling is the batch-size hint for providers missing from the table.
const DefaultCeiling = 8

// capabilityEntry maps a provider name fragment to a batch-size ceiling.
type capabilityEntry struct {
	Match   string `toml:"match"`
	Ceiling int    `toml:"ceiling"`
}

// capabilityFile mirrors the TOML capability override file.
type capabilityFile struct {
	Default   int               `toml:"default"`
	Providers []capabilityEntry `toml:"provider"`
	Flags     map[string]int    `toml:"flags"`
}

var defaultCapabilities = capabilityFile{
	Default: DefaultCeiling,
	Providers: []capabilityEntry{
		{Match: "metamask", Ceiling: 10},
		{Match: "rabby", Ceiling: 10},
		{Match: "rainbow", Ceiling: 10},
		{Match: "trust", Ceiling: 5},
		{Match: "phantom", Ceiling: 5},
		{Match: "walletconnect", Ceiling: 5},
		{Match: "coinbase", Ceiling: 20},
		{Match: "coinbase smart wallet", Ceiling: 50},
		{Match: "ambire", Ceiling: 50},
		{Match: "safe", Ceiling: 100},
	},
	Flags: map[string]int{
		"atomic":        50,
		"smart-account": 50,
	},
}

// Detector derives a batch-size ceiling from provider identity. The ceiling is a
// hint: providers may still reject a batch within it.
type Detector struct {
	fallback int
	entries  []capabilityEntry
	flags    map[string]int
}

// NewDetector returns a detector seeded with the built-in provider table.
func NewDetector() *Detector {
	d, _ := newDetector(defaultCapabilities)
	return d
}

// LoadDetector reads a TOML capability table and merges it over the built-in one.
// Entries in the file replace built-in entries with the same match string.
func LoadDetector(path string) (*Detector, error) {
	var file capabilityFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	merged := capabilityFile{
		Default: defaultCapabilities.Default,
		Flags:   make(map[string]int, len(defaultCapabilities.Flags)+len(file.Flags)),
	}
	if file.Default > 0 {
		merged.Default = file.Default
	}
	overrides := make(map[string]int, len(file.Providers))
	for _, entry := range file.Providers {
		overrides[normaliseName(entry.Match)] = entry.Ceiling
	}
	for _, entry := range defaultCapabilities.Providers {
		if _, ok := overrides[normaliseName(entry.Match)]; ok {
			continue
		}
		merged.Providers = append(merged.Providers, entry)
	}
	merged.Providers = append(merged.Providers, file.Providers...)
	for flag, ceiling := range defaultCapabilities.Flags {
		merged.Flags[flag] = ceiling
	}
	for flag, ceiling := range file.Flags {
		merged.Flags[normaliseName(flag)] = ceiling
	}
	return newDetector(merged)
}

func newDetector(file capabilityFile) (*Detector, error) {
	fallback := file.Default
	if fallback <= 0 {
		fallback = DefaultCeiling
	}
	entries := make([]capabilityEntry, 0, len(file.Providers))
	for _, entry := range file.Providers {
		match := normaliseName(entry.Match)
		if match == "" {
			return nil, fmt.Errorf("capability entry requires match")
		}
		if entry.Ceiling <= 0 {
			return nil, fmt.Errorf("capability %s: ceiling must be positive", match)
		}
		entries = append(entries, capabilityEntry{Match: match, Ceiling: entry.Ceiling})
	}
	// Longer fragments are more specific and must win over their prefixes.
	sort.SliceStable(entries, func(i, j int) bool { return len(entries[i].Match) > len(entries[j].Match) })
	flags := make(map[string]int, len(file.Flags))
	for flag, ceiling := range file.Flags {
		if ceiling > 0 {
			flags[normaliseName(flag)] = ceiling
		}
	}
	return &Detector{fallback: fallback, entries: entries, flags: flags}, nil
}

// Ceiling returns the maximum number of calls to submit as one batch.
func (d *Detector) Ceiling(info ProviderInfo) int {
	if d == nil {
		return DefaultCeiling
	}
	ceiling := d.fallback
	name := normaliseName(info.Name)
	if name != "" {
		for _, entry := range d.entries {
			if strings.Contains(name, entry.Match) {
				ceiling = entry.Ceiling
				break
			}
		}
	}
	for _, flag := range info.Flags {
		if boost, ok := d.flags[normaliseName(flag)]; ok && boost > ceiling {
			ceiling = boost
		}
	}
	return ceiling
}

// Family returns the table entry that matched the provider, used as a low
// cardinality metrics label.
func (d *Detector) Family(info ProviderInfo) string {
	name := normaliseName(info.Name)
	if d != nil && name != "" {
		for _, entry := range d.entries {
			if strings.Contains(name, entry.Match) {
				return entry.Match
			}
		}
	}
	return "other"
}

func normaliseName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
