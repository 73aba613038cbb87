package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// Strategy is a whole-entity resolution policy.
type Strategy string

const (
	ServerWins       Strategy = "SERVER_WINS"
	ClientWins       Strategy = "CLIENT_WINS"
	LastModifiedWins Strategy = "LAST_MODIFIED_WINS"
	Merge            Strategy = "MERGE"
	Manual           Strategy = "MANUAL"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ServerWins, ClientWins, LastModifiedWins, Merge, Manual:
		return true
	}
	return false
}

// Side names where a resolution came from.
type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
	SideMerged Side = "merged"
	SideCustom Side = "custom"
)

// ResolvedBySystem marks automatic resolutions.
const ResolvedBySystem = "system"

// Policy configures detection and resolution for one entity kind.
type Policy struct {
	Strategy     Strategy `yaml:"strategy" json:"strategy" validate:"required,oneof=SERVER_WINS CLIENT_WINS LAST_MODIFIED_WINS MERGE MANUAL"`
	IgnoreFields []string `yaml:"ignore_fields" json:"ignoreFields"`
}

// DefaultIgnoreFields are metadata fields never compared.
var DefaultIgnoreFields = []string{
	types.FieldUpdatedAt,
	types.FieldSyncedAt,
	types.FieldLastModified,
	types.FieldLastModifiedBy,
}

// DefaultPolicies returns the per-kind defaults.
func DefaultPolicies() map[types.EntityKind]Policy {
	p := func(s Strategy) Policy {
		return Policy{Strategy: s, IgnoreFields: append([]string(nil), DefaultIgnoreFields...)}
	}
	return map[types.EntityKind]Policy{
		types.KindProperty:    p(Merge),
		types.KindReport:      p(LastModifiedWins),
		types.KindPhoto:       p(ClientWins),
		types.KindSketch:      p(LastModifiedWins),
		types.KindComparable:  p(ServerWins),
		types.KindMeasurement: p(Manual),
	}
}

// FieldMerger combines two differing values of one field.
type FieldMerger func(field string, clientValue, serverValue any, client, server types.Entity) any

// Conflict is one recorded disagreement between a local and a server copy.
type Conflict struct {
	ID             string           `json:"id"`
	EntityKind     types.EntityKind `json:"entityKind"`
	EntityID       string           `json:"entityId"`
	Local          types.Entity     `json:"local"`
	Server         types.Entity     `json:"server"`
	Fields         []string         `json:"fields"`
	Strategy       Strategy         `json:"strategy"`
	DetectedAt     time.Time        `json:"detectedAt"`
	Resolved       bool             `json:"resolved"`
	Resolution     types.Entity     `json:"resolution,omitempty"`
	ResolutionSide Side             `json:"resolutionSide,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	ResolvedBy     string           `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
}

// clone copies c deeply enough that callers cannot reach the engine's
// entity maps.
func (c *Conflict) clone() *Conflict {
	out := *c
	out.Local = c.Local.Clone()
	out.Server = c.Server.Clone()
	out.Resolution = c.Resolution.Clone()
	out.Fields = append([]string(nil), c.Fields...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// Choice is a manual resolution. Value is required for SideCustom and
// ignored otherwise.
type Choice struct {
	Side  Side
	Value types.Entity
	By    string
	Notes string
}

// ReconcileResult is the outcome of reconciling two entity lists.
type ReconcileResult struct {
	// Merged holds one entity per id: resolved values, pass-through items,
	// and the local copy of anything still awaiting manual resolution.
	Merged    []types.Entity
	Conflicts []Conflict
	Pending   []Conflict
}

var (
	// ErrConflictNotFound is returned for an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrAlreadyResolved is returned when resolving a resolved conflict.
	ErrAlreadyResolved = errors.New("conflict already resolved")
	// ErrManualResolutionRequired is wrapped by ManualResolutionError.
	ErrManualResolutionRequired = errors.New("manual resolution required")
	// ErrInvalidChoice is returned for a malformed manual resolution.
	ErrInvalidChoice = errors.New("invalid resolution choice")
)

// ManualResolutionError reports a conflict the policy will not resolve
// automatically.
type ManualResolutionError struct {
	ConflictID string
	EntityKind types.EntityKind
	EntityID   string
}

func (e *ManualResolutionError) Error() string {
	return fmt.Sprintf("%s %s: conflict %s requires manual resolution", e.EntityKind, e.EntityID, e.ConflictID)
}

func (e *ManualResolutionError) Unwrap() error { return ErrManualResolutionRequired }
