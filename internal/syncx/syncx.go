// Package syncx holds small helpers shared by the sync pipeline:
// millisecond timestamps and raw JSON re-encoding.
package syncx

import (
	"encoding/json"
	"time"
)

// NowMs returns the current Unix milliseconds timestamp (UTC).
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// RawValue marshals an arbitrary decoded JSON value back to its raw
// encoding. Returns nil on marshal failure.
func RawValue(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
