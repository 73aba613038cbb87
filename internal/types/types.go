package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EntityKind names one entity container of a replicated document.
type EntityKind string

const (
	KindProperty    EntityKind = "property"
	KindReport      EntityKind = "report"
	KindPhoto       EntityKind = "photo"
	KindSketch      EntityKind = "sketch"
	KindComparable  EntityKind = "comparable"
	KindMeasurement EntityKind = "measurement"
)

// EntityKinds lists every entity container in declaration order.
var EntityKinds = []EntityKind{
	KindProperty,
	KindReport,
	KindPhoto,
	KindSketch,
	KindComparable,
	KindMeasurement,
}

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// LogKind names one append-only ordered log of a replicated document.
type LogKind string

const (
	LogComments LogKind = "comments"
	LogChanges  LogKind = "changes"
)

// LogKinds lists every ordered log in declaration order.
var LogKinds = []LogKind{LogComments, LogChanges}

// Valid reports whether k is one of the known log kinds.
func (k LogKind) Valid() bool {
	return k == LogComments || k == LogChanges
}

// Reserved entity field names.
const (
	FieldID             = "id"
	FieldLastModified   = "lastModified"
	FieldLastModifiedBy = "lastModifiedBy"
	FieldUpdatedAt      = "updatedAt"
	FieldCreatedAt      = "createdAt"
	FieldSyncedAt       = "syncedAt"
)

// Entity is a structured snapshot of one entity: arbitrary fields plus the
// reserved metadata fields above.
type Entity map[string]any

// ID returns the entity id as a string. Numeric ids are formatted without
// a fractional part so {"id": 1} and {"id": "1"} compare equal.
func (e Entity) ID() string {
	if e == nil {
		return ""
	}
	switch v := e[FieldID].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Timestamp returns the entity's modification time in epoch milliseconds,
// looking at updatedAt, then lastModified, then createdAt.
// The boolean is false when none of them is present or parseable.
func (e Entity) Timestamp() (int64, bool) {
	for _, field := range []string{FieldUpdatedAt, FieldLastModified, FieldCreatedAt} {
		if ms, ok := ToMillis(e[field]); ok {
			return ms, true
		}
	}
	return 0, false
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values: maps, slices and scalars.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = CloneValue(inner)
		}
		return m
	case Entity:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = CloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// ToMillis converts a timestamp-like value to epoch milliseconds.
// Accepts numbers (already in ms), numeric strings, RFC 3339 strings and time.Time.
func ToMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case string:
		if t == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli(), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// OperationType identifies a deferred domain operation in the offline queue.
type OperationType string

const (
	OpCreateProperty  OperationType = "create_property"
	OpUpdateProperty  OperationType = "update_property"
	OpUploadPhoto     OperationType = "upload_photo"
	OpGenerateReport  OperationType = "generate_report"
	OpUpdateReport    OperationType = "update_report"
	OpSaveComparable  OperationType = "save_comparable"
	OpSaveMeasurement OperationType = "save_measurement"
	OpSyncFieldNotes  OperationType = "sync_field_notes"
	OpDeleteEntity    OperationType = "delete_entity"
)

// OperationTypes lists every queueable operation type.
var OperationTypes = []OperationType{
	OpCreateProperty,
	OpUpdateProperty,
	OpUploadPhoto,
	OpGenerateReport,
	OpUpdateReport,
	OpSaveComparable,
	OpSaveMeasurement,
	OpSyncFieldNotes,
	OpDeleteEntity,
}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Category is a selective sync data category.
type Category string

const (
	CategoryProperties  Category = "properties"
	CategoryReports     Category = "reports"
	CategoryPhotos      Category = "photos"
	CategoryComparables Category = "comparables"
	CategorySketches    Category = "sketches"
	CategoryNotes       Category = "notes"
	CategoryPreferences Category = "preferences"
)

// Categories lists every sync category in declaration order.
var Categories = []Category{
	CategoryProperties,
	CategoryReports,
	CategoryPhotos,
	CategoryComparables,
	CategorySketches,
	CategoryNotes,
	CategoryPreferences,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
