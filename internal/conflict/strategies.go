package conflict

import (
	"encoding/json"

	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/syncx"
)

// Side is one half of a conflict: the stored state or the incoming write.
type Side struct {
	Value     json.RawMessage
	Metadata  map[string]any
	Timestamp int64
}

// Resolution is the outcome of applying a strategy to two sides.
type Resolution struct {
	Value                 json.RawMessage `json:"value"`
	Metadata              map[string]any  `json:"metadata,omitempty"`
	Confidence            float64         `json:"confidence"`
	Strategy              model.Strategy  `json:"strategy"`
	Reason                string          `json:"reason"`
	NeedsManualResolution bool            `json:"needsManualResolution,omitempty"`
}

// manualEnvelope carries both sides to the client when a conflict needs
// a human decision. It is stored as the item value until resolved.
type manualEnvelope struct {
	Conflict          bool            `json:"conflict"`
	Existing          json.RawMessage `json:"existing"`
	Incoming          json.RawMessage `json:"incoming"`
	ExistingTimestamp int64           `json:"existingTimestamp"`
	IncomingTimestamp int64           `json:"incomingTimestamp"`
}

// Resolve applies the named strategy to the two sides. Unknown
// strategies fall back to last-write-wins.
func Resolve(strategy model.Strategy, existing, incoming Side) Resolution {
	var res Resolution
	switch strategy {
	case model.StrategyFirstWriteWins:
		res = firstWriteWins(existing, incoming)
	case model.StrategyMerge:
		res = merge(existing, incoming)
	case model.StrategyManual:
		res = manual(existing, incoming)
	case model.StrategyAIAssisted:
		res = aiAssisted(existing, incoming)
	default:
		res = lastWriteWins(existing, incoming)
	}
	if !res.NeedsManualResolution {
		res.Metadata = resolutionMetadata(existing.Metadata, incoming.Metadata)
	}
	return res
}

// lastWriteWins picks the side with the newer timestamp; ties favor the
// incoming update.
func lastWriteWins(existing, incoming Side) Resolution {
	winner, reason := incoming, "incoming value has newer timestamp"
	if existing.Timestamp > incoming.Timestamp {
		winner, reason = existing, "existing value has newer timestamp"
	}
	return Resolution{
		Value:      winner.Value,
		Confidence: 0.8,
		Strategy:   model.StrategyLastWriteWins,
		Reason:     reason,
	}
}

// firstWriteWins picks the side with the older timestamp; the existing
// side wins ties.
func firstWriteWins(existing, incoming Side) Resolution {
	winner, reason := existing, "existing value has older-or-equal timestamp"
	if incoming.Timestamp < existing.Timestamp {
		winner, reason = incoming, "incoming value has older timestamp"
	}
	return Resolution{
		Value:      winner.Value,
		Confidence: 0.7,
		Strategy:   model.StrategyFirstWriteWins,
		Reason:     reason,
	}
}

// merge deep-merges two objects (incoming keys override at collisions,
// confidence 0.6) or set-unions two arrays preserving first-appearance
// order (confidence 0.7). Anything else falls back to last-write-wins.
func merge(existing, incoming Side) Resolution {
	var curObj, nextObj map[string]any
	if json.Unmarshal(existing.Value, &curObj) == nil && json.Unmarshal(incoming.Value, &nextObj) == nil &&
		curObj != nil && nextObj != nil {
		merged := deepMerge(curObj, nextObj)
		return Resolution{
			Value:      syncx.RawValue(merged),
			Confidence: 0.6,
			Strategy:   model.StrategyMerge,
			Reason:     "deep-merged JSON objects, incoming keys override",
		}
	}

	var curArr, nextArr []any
	if json.Unmarshal(existing.Value, &curArr) == nil && json.Unmarshal(incoming.Value, &nextArr) == nil &&
		curArr != nil && nextArr != nil {
		union := arrayUnion(curArr, nextArr)
		return Resolution{
			Value:      syncx.RawValue(union),
			Confidence: 0.7,
			Strategy:   model.StrategyMerge,
			Reason:     "set-union of JSON arrays",
		}
	}

	res := lastWriteWins(existing, incoming)
	res.Strategy = model.StrategyMerge
	res.Reason = "merge fallback"
	return res
}

// manual returns an envelope carrying both sides; the record stays
// pending until a human (or an explicit resolve call) decides.
func manual(existing, incoming Side) Resolution {
	env := manualEnvelope{
		Conflict:          true,
		Existing:          existing.Value,
		Incoming:          incoming.Value,
		ExistingTimestamp: existing.Timestamp,
		IncomingTimestamp: incoming.Timestamp,
	}
	raw, _ := json.Marshal(env)
	return Resolution{
		Value:                 raw,
		Confidence:            0,
		Strategy:              model.StrategyManual,
		Reason:                "manual resolution required, both sides preserved",
		NeedsManualResolution: true,
	}
}

// aiAssisted is merge with confidence boosted by 0.2, capped at 0.95.
// A real model integration is a future extension; the model name is
// recorded on the conflict record when the caller supplies one.
func aiAssisted(existing, incoming Side) Resolution {
	res := merge(existing, incoming)
	res.Strategy = model.StrategyAIAssisted
	res.Confidence = res.Confidence + 0.2
	if res.Confidence > 0.95 {
		res.Confidence = 0.95
	}
	res.Reason = "ai-assisted merge: " + res.Reason
	return res
}

// resolutionMetadata merges the two metadata objects entry-wise
// (incoming overrides) and stamps mergedAt.
func resolutionMetadata(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming)+1)
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	out["mergedAt"] = syncx.NowMs()
	return out
}

// StrategyInfo describes one strategy for the enumeration endpoint.
type StrategyInfo struct {
	Name        model.Strategy `json:"name"`
	Description string         `json:"description"`
	AutoCapable bool           `json:"autoCapable"`
}

// Strategies enumerates the available resolution strategies.
func Strategies() []StrategyInfo {
	return []StrategyInfo{
		{model.StrategyLastWriteWins, "newer timestamp wins, ties favor the incoming update", true},
		{model.StrategyFirstWriteWins, "older-or-equal existing value wins", true},
		{model.StrategyMerge, "deep-merge objects or set-union arrays, falling back to last-write-wins", true},
		{model.StrategyManual, "preserve both sides in an envelope and wait for a human decision", false},
		{model.StrategyAIAssisted, "merge with boosted confidence; records the model used", true},
	}
}
