package validation

import "github.com/hyperengineering/fieldsync/internal/types"

// DataConnectorConfig describes how entity fields are named in an external
// system.
type DataConnectorConfig struct {
	Name          string            `yaml:"name" validate:"required"`
	FieldMappings map[string]string `yaml:"field_mappings"`
	// DropUnmapped omits fields without a mapping instead of copying them.
	DropUnmapped bool `yaml:"drop_unmapped"`
}

// MapFields returns a copy of entity with fields renamed per cfg.
func MapFields(entity types.Entity, cfg DataConnectorConfig) types.Entity {
	out := make(types.Entity, len(entity))
	for k, v := range entity {
		if to, ok := cfg.FieldMappings[k]; ok {
			if to != "" {
				out[to] = types.CloneValue(v)
			}
			continue
		}
		if !cfg.DropUnmapped {
			out[k] = types.CloneValue(v)
		}
	}
	return out
}
