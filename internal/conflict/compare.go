package conflict

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// diffFields returns the sorted names of fields whose JSON values differ.
// A missing field equals an explicit null.
func diffFields(local, server types.Entity, ignore []string) []string {
	skip := make(map[string]bool, len(ignore)+1)
	skip[types.FieldID] = true
	for _, f := range ignore {
		skip[f] = true
	}

	l, s := normalize(local), normalize(server)
	names := make(map[string]bool, len(l)+len(s))
	for k := range l {
		names[k] = true
	}
	for k := range s {
		names[k] = true
	}

	var out []string
	for k := range names {
		if skip[k] {
			continue
		}
		if !reflect.DeepEqual(l[k], s[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// normalize round-trips e through JSON so 1, int64(1) and 1.0 compare
// equal, and drops null fields.
func normalize(e types.Entity) map[string]any {
	data, err := json.Marshal(e)
	if err != nil {
		return map[string]any(e)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any(e)
	}
	for k, v := range out {
		if v == nil {
			delete(out, k)
		}
	}
	return out
}
