package syncx

import (
	"testing"
	"time"
)

func TestNowMs(t *testing.T) {
	before := time.Now().UTC().UnixMilli()
	got := NowMs()
	after := time.Now().UTC().UnixMilli()
	if got < before || got > after {
		t.Errorf("NowMs = %d, want within [%d, %d]", got, before, after)
	}
}

func TestRawValue(t *testing.T) {
	if got := RawValue(map[string]any{"a": 1}); string(got) != `{"a":1}` {
		t.Errorf("RawValue = %s", got)
	}
	if got := RawValue(nil); got != nil {
		t.Errorf("RawValue(nil) = %s, want nil", got)
	}
	// Unmarshalable values degrade to nil rather than erroring.
	if got := RawValue(func() {}); got != nil {
		t.Errorf("RawValue(func) = %s, want nil", got)
	}
}
