package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// Severity grades a verification finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status summarizes a Report.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusWarnings Status = "warnings"
	StatusFailed   Status = "failed"
)

// Check is one rule variant: Required, Range, Pattern, CrossField or Custom.
type Check interface {
	kind() string
}

// Required fails when the field is absent, null or an empty string.
type Required struct{}

// Range fails numeric values outside [Min, Max]. A nil bound is open.
type Range struct {
	Min *float64
	Max *float64
}

// Pattern fails string values that do not match Regex.
type Pattern struct {
	Regex string
}

// CrossField compares the field with Other using a named predicate.
type CrossField struct {
	Other     string
	Predicate string
}

// Custom calls a function registered on the Verifier under Name.
type Custom struct {
	Name string
}

func (Required) kind() string   { return "required" }
func (Range) kind() string      { return "range" }
func (Pattern) kind() string    { return "pattern" }
func (CrossField) kind() string { return "cross_field" }
func (Custom) kind() string     { return "custom" }

// Rule applies one check to one field.
type Rule struct {
	Field    string
	Check    Check
	Severity Severity
	Message  string
}

// Finding is one failed rule.
type Finding struct {
	Field    string   `json:"field"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report is the outcome of Verify. Status is failed iff some finding is
// critical, warnings iff some finding is a warning.
type Report struct {
	Status   Status    `json:"status"`
	Findings []Finding `json:"findings"`
}

// CustomFunc is a registered custom check. It returns "" when the value
// passes, or a message.
type CustomFunc func(field string, value any, entity types.Entity) string

// Predicate compares a field value against another field's value.
type Predicate func(value, other any) bool

// Verifier runs rules. Custom checks and extra predicates are registered
// at startup.
type Verifier struct {
	mu         sync.RWMutex
	customs    map[string]CustomFunc
	predicates map[string]Predicate
	patterns   map[string]*regexp.Regexp
}

// NewVerifier returns a verifier with the built-in predicates: eq, neq,
// lt, lte, gt, gte (numbers or timestamps) and requires (other must be set
// when this field is).
func NewVerifier() *Verifier {
	v := &Verifier{
		customs:    make(map[string]CustomFunc),
		predicates: make(map[string]Predicate),
		patterns:   make(map[string]*regexp.Regexp),
	}
	v.predicates["eq"] = func(a, b any) bool { return reflect.DeepEqual(a, b) }
	v.predicates["neq"] = func(a, b any) bool { return !reflect.DeepEqual(a, b) }
	v.predicates["lt"] = compare(func(c int) bool { return c < 0 })
	v.predicates["lte"] = compare(func(c int) bool { return c <= 0 })
	v.predicates["gt"] = compare(func(c int) bool { return c > 0 })
	v.predicates["gte"] = compare(func(c int) bool { return c >= 0 })
	v.predicates["requires"] = func(a, b any) bool { return !present(a) || present(b) }
	return v
}

// RegisterCustom installs a custom check. Registering a name twice panics.
func (v *Verifier) RegisterCustom(name string, fn CustomFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.customs[name]; exists {
		panic(fmt.Sprintf("validation: custom check %q already registered", name))
	}
	v.customs[name] = fn
}

// RegisterPredicate installs or replaces a cross-field predicate.
func (v *Verifier) RegisterPredicate(name string, fn Predicate) {
	v.mu.Lock()
	v.predicates[name] = fn
	v.mu.Unlock()
}

// Verify runs rules against entity. It never modifies the entity and a
// failed report does not prevent saving it.
func (v *Verifier) Verify(entity types.Entity, rules []Rule) Report {
	rep := Report{Status: StatusPassed, Findings: []Finding{}}
	for _, r := range rules {
		value := entity[r.Field]
		msg := v.run(r, value, entity)
		if msg == "" {
			continue
		}
		if r.Message != "" {
			msg = r.Message
		}
		sev := r.Severity
		if sev == "" {
			sev = SeverityWarning
		}
		rep.Findings = append(rep.Findings, Finding{Field: r.Field, Rule: r.Check.kind(), Severity: sev, Message: msg})
		switch {
		case sev == SeverityCritical:
			rep.Status = StatusFailed
		case sev == SeverityWarning && rep.Status == StatusPassed:
			rep.Status = StatusWarnings
		}
	}
	return rep
}

func (v *Verifier) run(r Rule, value any, entity types.Entity) string {
	switch c := r.Check.(type) {
	case Required:
		if !present(value) {
			return "is required"
		}
	case Range:
		if !present(value) {
			return ""
		}
		n, ok := number(value)
		if !ok {
			return "must be a number"
		}
		if c.Min != nil && n < *c.Min {
			return fmt.Sprintf("must be at least %g", *c.Min)
		}
		if c.Max != nil && n > *c.Max {
			return fmt.Sprintf("must be at most %g", *c.Max)
		}
	case Pattern:
		if !present(value) {
			return ""
		}
		re, err := v.compile(c.Regex)
		if err != nil {
			return fmt.Sprintf("rule has invalid pattern: %v", err)
		}
		s, ok := value.(string)
		if !ok || !re.MatchString(s) {
			return "has an invalid format"
		}
	case CrossField:
		v.mu.RLock()
		pred, ok := v.predicates[c.Predicate]
		v.mu.RUnlock()
		if !ok {
			return fmt.Sprintf("unknown predicate %q", c.Predicate)
		}
		if !pred(value, entity[c.Other]) {
			return fmt.Sprintf("fails %s against %s", c.Predicate, c.Other)
		}
	case Custom:
		v.mu.RLock()
		fn, ok := v.customs[c.Name]
		v.mu.RUnlock()
		if !ok {
			return fmt.Sprintf("unknown custom check %q", c.Name)
		}
		return fn(r.Field, value, entity)
	default:
		return fmt.Sprintf("unsupported rule %T", r.Check)
	}
	return ""
}

func (v *Verifier) compile(expr string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[expr]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.patterns[expr] = re
	v.mu.Unlock()
	return re, nil
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	}
	return true
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}

// compare orders numbers, falling back to timestamps, and applies ok to
// the comparison result. Absent values pass.
func compare(ok func(int) bool) Predicate {
	return func(a, b any) bool {
		if !present(a) || !present(b) {
			return true
		}
		x, xok := number(a)
		y, yok := number(b)
		if !xok || !yok {
			xm, xt := types.ToMillis(a)
			ym, yt := types.ToMillis(b)
			if !xt || !yt {
				return false
			}
			x, y = float64(xm), float64(ym)
		}
		switch {
		case x < y:
			return ok(-1)
		case x > y:
			return ok(1)
		default:
			return ok(0)
		}
	}
}

// RuleConfig is the declarative form of a Rule, as loaded from YAML.
type RuleConfig struct {
	Field     string   `yaml:"field" validate:"required"`
	Type      string   `yaml:"type" validate:"required,oneof=required range pattern cross_field custom"`
	Severity  Severity `yaml:"severity" validate:"omitempty,oneof=info warning critical"`
	Message   string   `yaml:"message"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Pattern   string   `yaml:"pattern" validate:"required_if=Type pattern"`
	Other     string   `yaml:"other" validate:"required_if=Type cross_field"`
	Predicate string   `yaml:"predicate" validate:"required_if=Type cross_field"`
	Name      string   `yaml:"name" validate:"required_if=Type custom"`
}

// ParseRules turns declarative rules into typed ones, rejecting any that
// fail tag validation or carry a pattern that does not compile.
func ParseRules(configs []RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(configs))
	for i, rc := range configs {
		if errs := Struct(rc); len(errs) > 0 {
			return nil, fmt.Errorf("rule %d (%s): %s %s", i, rc.Field, errs[0].Field, errs[0].Message)
		}
		var check Check
		switch rc.Type {
		case "required":
			check = Required{}
		case "range":
			check = Range{Min: rc.Min, Max: rc.Max}
		case "pattern":
			if _, err := regexp.Compile(rc.Pattern); err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, rc.Field, err)
			}
			check = Pattern{Regex: rc.Pattern}
		case "cross_field":
			check = CrossField{Other: rc.Other, Predicate: rc.Predicate}
		case "custom":
			check = Custom{Name: rc.Name}
		}
		rules = append(rules, Rule{Field: rc.Field, Check: check, Severity: rc.Severity, Message: rc.Message})
	}
	return rules, nil
}

// RuleSet keys rules by entity kind.
type RuleSet map[types.EntityKind][]Rule

// Kinds returns the kinds that have rules, sorted.
func (rs RuleSet) Kinds() []types.EntityKind {
	out := make([]types.EntityKind, 0, len(rs))
	for k := range rs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
