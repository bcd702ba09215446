package conflict

import "encoding/json"

// deepMerge recursively merges src into dst without mutating either.
// At collisions where both sides are objects the merge recurses;
// otherwise the src (incoming) value overrides.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		if dv, ok := out[k]; ok {
			dm, dok := dv.(map[string]any)
			sm, sok := sv.(map[string]any)
			if dok && sok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = sv
	}
	return out
}

// arrayUnion returns the set union of a and b, preserving the order of
// first appearance. Element identity is by canonical JSON encoding.
func arrayUnion(a, b []any) []any {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, v := range list {
			enc, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if _, dup := seen[string(enc)]; dup {
				continue
			}
			seen[string(enc)] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
