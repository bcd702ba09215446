// Package conflict implements detection, analysis, and resolution of
// write conflicts between device instances, plus the audit trail of
// conflict records.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/rs/zerolog/log"
)

// concurrentWindow is how recently the stored item must have been
// modified for a differing write from another instance to count as a
// concurrent update.
const concurrentWindow = 5000 * time.Millisecond

// Incoming describes the write being checked against the stored item.
type Incoming struct {
	Value           json.RawMessage
	ExpectedVersion *int
	InstanceID      string
	Timestamp       int64
}

// Detection is the outcome of a conflict check. At most one conflict
// type is reported per call; the first matching rule wins.
type Detection struct {
	Type    model.ConflictType
	Details map[string]any
}

// Detect evaluates the incoming write against the current item.
// Returns nil when there is no current item or no rule matches.
//
// Rules, in order:
//  1. version_mismatch: ExpectedVersion set and != current version
//  2. concurrent_update: stored item modified < 5s ago with a different
//     value by a different instance
//  3. schema_change: both values are JSON objects whose top-level key
//     sets or shared-key runtime types differ
func Detect(current *model.Item, in Incoming, now time.Time) *Detection {
	if current == nil {
		return nil
	}

	if in.ExpectedVersion != nil && *in.ExpectedVersion != current.Version {
		return &Detection{
			Type: model.ConflictVersionMismatch,
			Details: map[string]any{
				"expectedVersion": *in.ExpectedVersion,
				"currentVersion":  current.Version,
				"versionGap":      current.Version - *in.ExpectedVersion,
			},
		}
	}

	delta := now.Sub(current.LastModified)
	if delta < concurrentWindow && !jsonEqual(current.Value, in.Value) && in.InstanceID != current.InstanceID {
		return &Detection{
			Type: model.ConflictConcurrentUpdate,
			Details: map[string]any{
				"deltaMs":          delta.Milliseconds(),
				"currentInstance":  current.InstanceID,
				"incomingInstance": in.InstanceID,
			},
		}
	}

	if d := detectSchemaChange(current.Value, in.Value); d != nil {
		return d
	}

	return nil
}

// detectSchemaChange compares two values as JSON objects. Parse failures
// and non-object values are skipped, never raised: schema drift on
// scalars or arrays is not a conflict.
func detectSchemaChange(existing, incoming json.RawMessage) *Detection {
	var cur, next map[string]any
	if err := json.Unmarshal(existing, &cur); err != nil {
		log.Debug().Err(err).Msg("schema check: existing value is not a JSON object, skipping")
		return nil
	}
	if err := json.Unmarshal(incoming, &next); err != nil {
		log.Debug().Err(err).Msg("schema check: incoming value is not a JSON object, skipping")
		return nil
	}
	if cur == nil || next == nil {
		return nil
	}

	added := make([]string, 0)
	removed := make([]string, 0)
	typeChanged := make([]string, 0)

	for k, v := range cur {
		nv, ok := next[k]
		if !ok {
			removed = append(removed, k)
			continue
		}
		if jsonTypeOf(v) != jsonTypeOf(nv) {
			typeChanged = append(typeChanged, k)
		}
	}
	for k := range next {
		if _, ok := cur[k]; !ok {
			added = append(added, k)
		}
	}

	if len(added) == 0 && len(removed) == 0 && len(typeChanged) == 0 {
		return nil
	}

	return &Detection{
		Type: model.ConflictSchemaChange,
		Details: map[string]any{
			"addedKeys":   added,
			"removedKeys": removed,
			"typeChanged": typeChanged,
		},
	}
}

// jsonTypeOf names the runtime type of a decoded JSON value.
func jsonTypeOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	}
	return "unknown"
}

// jsonEqual compares two raw values structurally, so formatting
// differences in the encoding do not count as a change.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return string(a) == string(b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return deepEqualJSON(av, bv)
}

func deepEqualJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqualJSON(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
