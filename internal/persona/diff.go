package persona

import "fmt"

// diffValues compares two canonical persona documents and returns a flat
// dot-path map of changes. Each entry is {"old": ..., "new": ...}; an added
// field has old == nil, a removed field has new == nil.
func diffValues(oldVal, newVal any) map[string]any {
	out := make(map[string]any)
	diffInto(out, "", oldVal, newVal)
	if len(out) == 0 {
		return nil
	}
	return out
}

func diffInto(out map[string]any, path string, oldVal, newVal any) {
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)
	if oldIsMap && newIsMap {
		keys := make(map[string]struct{}, len(oldMap)+len(newMap))
		for k := range oldMap {
			keys[k] = struct{}{}
		}
		for k := range newMap {
			keys[k] = struct{}{}
		}
		for k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			ov, oldHas := oldMap[k]
			nv, newHas := newMap[k]
			switch {
			case oldHas && newHas:
				diffInto(out, child, ov, nv)
			case oldHas:
				out[child] = map[string]any{"old": ov, "new": nil}
			default:
				out[child] = map[string]any{"old": nil, "new": nv}
			}
		}
		return
	}
	if !equalLeaf(oldVal, newVal) {
		key := path
		if key == "" {
			key = "."
		}
		out[key] = map[string]any{"old": oldVal, "new": newVal}
	}
}

// equalLeaf compares non-map values, including arrays, by deep equality on
// their decoded-JSON representation.
func equalLeaf(a, b any) bool {
	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equalLeaf(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equalLeaf(av, bv) {
				return false
			}
		}
		return true
	}
	if aIsSlice != bIsSlice || aIsMap != bIsMap {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
