package conflict

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/mirrorkv/mirrorkv/internal/model"
)

func decode(t *testing.T, raw json.RawMessage) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return v
}

func TestLastWriteWins(t *testing.T) {
	existing := Side{Value: json.RawMessage(`"old"`), Timestamp: 100}
	incoming := Side{Value: json.RawMessage(`"new"`), Timestamp: 200}

	res := Resolve(model.StrategyLastWriteWins, existing, incoming)
	if string(res.Value) != `"new"` {
		t.Errorf("value = %s, want incoming", res.Value)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", res.Confidence)
	}

	// Older incoming loses.
	res = Resolve(model.StrategyLastWriteWins, Side{Value: existing.Value, Timestamp: 300}, incoming)
	if string(res.Value) != `"old"` {
		t.Errorf("value = %s, want existing", res.Value)
	}

	// Ties favor the incoming update.
	res = Resolve(model.StrategyLastWriteWins, Side{Value: existing.Value, Timestamp: 200}, incoming)
	if string(res.Value) != `"new"` {
		t.Errorf("tie: value = %s, want incoming", res.Value)
	}
}

func TestFirstWriteWins(t *testing.T) {
	existing := Side{Value: json.RawMessage(`"old"`), Timestamp: 100}
	incoming := Side{Value: json.RawMessage(`"new"`), Timestamp: 200}

	res := Resolve(model.StrategyFirstWriteWins, existing, incoming)
	if string(res.Value) != `"old"` {
		t.Errorf("value = %s, want existing", res.Value)
	}
	if res.Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", res.Confidence)
	}

	// Ties favor the existing value.
	res = Resolve(model.StrategyFirstWriteWins, Side{Value: existing.Value, Timestamp: 200}, incoming)
	if string(res.Value) != `"old"` {
		t.Errorf("tie: value = %s, want existing", res.Value)
	}

	// A genuinely older incoming write wins.
	res = Resolve(model.StrategyFirstWriteWins, Side{Value: existing.Value, Timestamp: 300}, incoming)
	if string(res.Value) != `"new"` {
		t.Errorf("value = %s, want incoming", res.Value)
	}
}

func TestMergeObjects(t *testing.T) {
	existing := Side{Value: json.RawMessage(`{"theme":"dark","nested":{"a":1,"b":2}}`), Timestamp: 100}
	incoming := Side{Value: json.RawMessage(`{"lang":"en","nested":{"b":3}}`), Timestamp: 200}

	res := Resolve(model.StrategyMerge, existing, incoming)
	if res.Confidence != 0.6 {
		t.Fatalf("confidence = %v, want 0.6", res.Confidence)
	}

	want := map[string]any{
		"theme": "dark",
		"lang":  "en",
		"nested": map[string]any{
			"a": float64(1),
			"b": float64(3), // incoming overrides at collisions
		},
	}
	if got := decode(t, res.Value); !reflect.DeepEqual(got, want) {
		t.Errorf("merged = %v, want %v", got, want)
	}
}

func TestMergeArrays(t *testing.T) {
	existing := Side{Value: json.RawMessage(`[1,2,3]`), Timestamp: 100}
	incoming := Side{Value: json.RawMessage(`[3,4]`), Timestamp: 200}

	res := Resolve(model.StrategyMerge, existing, incoming)
	if res.Confidence != 0.7 {
		t.Fatalf("confidence = %v, want 0.7", res.Confidence)
	}
	want := []any{float64(1), float64(2), float64(3), float64(4)}
	if got := decode(t, res.Value); !reflect.DeepEqual(got, want) {
		t.Errorf("union = %v, want %v", got, want)
	}
}

func TestMergeFallback(t *testing.T) {
	// Scalars cannot merge; last-write-wins decides under the merge label.
	existing := Side{Value: json.RawMessage(`1`), Timestamp: 100}
	incoming := Side{Value: json.RawMessage(`2`), Timestamp: 200}

	res := Resolve(model.StrategyMerge, existing, incoming)
	if res.Strategy != model.StrategyMerge {
		t.Errorf("strategy = %s, want merge", res.Strategy)
	}
	if res.Reason != "merge fallback" {
		t.Errorf("reason = %q, want merge fallback", res.Reason)
	}
	if string(res.Value) != `2` {
		t.Errorf("value = %s, want incoming", res.Value)
	}
}

func TestManualPreservesBothSides(t *testing.T) {
	existing := Side{Value: json.RawMessage(`{"a":1}`), Timestamp: 100}
	incoming := Side{Value: json.RawMessage(`{"a":2}`), Timestamp: 200}

	res := Resolve(model.StrategyManual, existing, incoming)
	if !res.NeedsManualResolution {
		t.Fatal("expected NeedsManualResolution")
	}
	if res.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", res.Confidence)
	}

	var env manualEnvelope
	if err := json.Unmarshal(res.Value, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if !env.Conflict || string(env.Existing) != `{"a":1}` || string(env.Incoming) != `{"a":2}` {
		t.Errorf("envelope = %+v", env)
	}
	if env.ExistingTimestamp != 100 || env.IncomingTimestamp != 200 {
		t.Errorf("envelope timestamps = %d/%d", env.ExistingTimestamp, env.IncomingTimestamp)
	}
}

func TestAIAssistedConfidence(t *testing.T) {
	// Object merge: 0.6 + 0.2.
	res := Resolve(model.StrategyAIAssisted,
		Side{Value: json.RawMessage(`{"a":1}`), Timestamp: 100},
		Side{Value: json.RawMessage(`{"b":2}`), Timestamp: 200})
	if res.Strategy != model.StrategyAIAssisted {
		t.Errorf("strategy = %s", res.Strategy)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", res.Confidence)
	}

	// Fallback path starts at 0.8; the boost is capped at 0.95.
	res = Resolve(model.StrategyAIAssisted,
		Side{Value: json.RawMessage(`1`), Timestamp: 100},
		Side{Value: json.RawMessage(`2`), Timestamp: 200})
	if res.Confidence != 0.95 {
		t.Errorf("capped confidence = %v, want 0.95", res.Confidence)
	}
}

func TestResolutionMetadata(t *testing.T) {
	res := Resolve(model.StrategyLastWriteWins,
		Side{Value: json.RawMessage(`1`), Metadata: map[string]any{"source": "old", "keep": true}, Timestamp: 100},
		Side{Value: json.RawMessage(`2`), Metadata: map[string]any{"source": "new"}, Timestamp: 200})

	if res.Metadata["source"] != "new" {
		t.Errorf("source = %v, want incoming to override", res.Metadata["source"])
	}
	if res.Metadata["keep"] != true {
		t.Errorf("keep = %v, want preserved", res.Metadata["keep"])
	}
	if _, ok := res.Metadata["mergedAt"]; !ok {
		t.Error("mergedAt missing from resolution metadata")
	}
}

func TestUnknownStrategyFallsBackToLWW(t *testing.T) {
	res := Resolve(model.Strategy("bogus"),
		Side{Value: json.RawMessage(`1`), Timestamp: 100},
		Side{Value: json.RawMessage(`2`), Timestamp: 200})
	if res.Strategy != model.StrategyLastWriteWins || string(res.Value) != `2` {
		t.Errorf("got %s / %s", res.Strategy, res.Value)
	}
}

func TestStrategiesEnumeration(t *testing.T) {
	infos := Strategies()
	if len(infos) != 5 {
		t.Fatalf("got %d strategies, want 5", len(infos))
	}
	auto := map[model.Strategy]bool{}
	for _, s := range infos {
		auto[s.Name] = s.AutoCapable
	}
	if auto[model.StrategyManual] {
		t.Error("manual must not be auto-capable")
	}
	if !auto[model.StrategyLastWriteWins] || !auto[model.StrategyMerge] {
		t.Error("automatic strategies mislabeled")
	}
}
