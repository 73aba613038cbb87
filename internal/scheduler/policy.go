package scheduler

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// Priority is a category's sync priority class.
type Priority string

const (
	Critical   Priority = "CRITICAL"
	High       Priority = "HIGH"
	Medium     Priority = "MEDIUM"
	Low        Priority = "LOW"
	Background Priority = "BACKGROUND"
)

// Rank orders priorities; higher syncs first.
func (p Priority) Rank() int {
	switch p {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// ParsePriority accepts any letter case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case Critical, High, Medium, Low, Background:
		return p, nil
	}
	return "", fmt.Errorf("unknown sync priority %q", s)
}

// Network is the kind of connectivity the device has.
type Network string

const (
	NetworkWiFi     Network = "wifi"
	NetworkCellular Network = "cellular"
	NetworkEthernet Network = "ethernet"
	NetworkNone     Network = "none"
	NetworkUnknown  Network = "unknown"
)

// DeviceState is one sample of the conditions that gate syncing.
type DeviceState struct {
	Network  Network `json:"network"`
	Battery  int     `json:"battery"`
	Charging bool    `json:"charging"`
}

// Constraints gate one category. Zero MaxBytes or MaxItems means no budget.
type Constraints struct {
	Networks         []Network
	MinBattery       int
	RequiresCharging bool
	MaxBytes         int64
	MaxItems         int
}

const mib = 1 << 20

// DefaultConstraints returns the constraint set of a priority class.
func DefaultConstraints(p Priority) Constraints {
	anyLink := []Network{NetworkWiFi, NetworkCellular, NetworkEthernet}
	unmetered := []Network{NetworkWiFi, NetworkEthernet}
	switch p {
	case Critical:
		return Constraints{Networks: anyLink}
	case High:
		return Constraints{Networks: anyLink, MinBattery: 15}
	case Medium:
		return Constraints{Networks: unmetered, MinBattery: 20}
	case Low:
		return Constraints{Networks: unmetered, MinBattery: 30, MaxBytes: 50 * mib, MaxItems: 100}
	default:
		return Constraints{Networks: unmetered, MinBattery: 50, RequiresCharging: true, MaxBytes: 20 * mib, MaxItems: 50}
	}
}

// DefaultPriorities maps each category to its priority class.
func DefaultPriorities() map[types.Category]Priority {
	return map[types.Category]Priority{
		types.CategoryProperties:  Critical,
		types.CategoryReports:     High,
		types.CategoryNotes:       High,
		types.CategoryComparables: Medium,
		types.CategorySketches:    Medium,
		types.CategoryPhotos:      Low,
		types.CategoryPreferences: Background,
	}
}

// CategoryConfig is the per-category setting. Nil override fields keep the
// priority's default.
type CategoryConfig struct {
	Disabled         bool      `yaml:"disabled"`
	Priority         Priority  `yaml:"priority" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW BACKGROUND"`
	Networks         []Network `yaml:"networks" validate:"omitempty,dive,oneof=wifi cellular ethernet none unknown"`
	MinBattery       *int      `yaml:"min_battery" validate:"omitempty,min=0,max=100"`
	RequiresCharging *bool     `yaml:"requires_charging"`
	MaxBytes         *int64    `yaml:"max_bytes" validate:"omitempty,min=0"`
	MaxItems         *int      `yaml:"max_items" validate:"omitempty,min=0"`
}

// Constraints resolves the effective constraint set.
func (c CategoryConfig) Constraints() Constraints {
	out := DefaultConstraints(c.Priority)
	if c.Networks != nil {
		out.Networks = append([]Network(nil), c.Networks...)
	}
	if c.MinBattery != nil {
		out.MinBattery = *c.MinBattery
	}
	if c.RequiresCharging != nil {
		out.RequiresCharging = *c.RequiresCharging
	}
	if c.MaxBytes != nil {
		out.MaxBytes = *c.MaxBytes
	}
	if c.MaxItems != nil {
		out.MaxItems = *c.MaxItems
	}
	return out
}

// Skip reasons.
const (
	ReasonDisabled = "disabled"
	ReasonNetwork  = "network"
	ReasonBattery  = "battery"
	ReasonCharging = "charging"
	ReasonNoSource = "no_source"
	ReasonBudget   = "budget"
)

// Check returns "" when st satisfies c, or the first unmet constraint.
// No network never satisfies anything.
func (c Constraints) Check(st DeviceState) string {
	if st.Network == NetworkNone || !containsNetwork(c.Networks, st.Network) {
		return ReasonNetwork
	}
	if st.Battery < c.MinBattery {
		return ReasonBattery
	}
	if c.RequiresCharging && !st.Charging {
		return ReasonCharging
	}
	return ""
}

func containsNetwork(list []Network, n Network) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}

// PendingItem is one unit of work in a budgeted category.
type PendingItem struct {
	ID   string
	Size int64
}

// admit takes items in order while both budgets hold. The first item
// that would exceed either budget ends the selection.
func (c Constraints) admit(items []PendingItem) []PendingItem {
	var bytes int64
	for i, it := range items {
		if c.MaxItems > 0 && i+1 > c.MaxItems {
			return items[:i]
		}
		if c.MaxBytes > 0 && bytes+it.Size > c.MaxBytes {
			return items[:i]
		}
		bytes += it.Size
	}
	return items
}
