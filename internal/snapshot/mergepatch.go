// Package snapshot implements the per-user differential snapshot protocol:
// an authoritative server-side JSON document per user, mutated by RFC 7386
// merge patches and delivered to clients via a blocking long-poll (peek).
package snapshot

import "encoding/json"

// MergePatch applies an RFC 7386 JSON merge patch to target and returns the
// result. Both target and patch are decoded into map[string]interface{}/
// primitives via encoding/json so this stays a pure function over Go values
// with no external dependency — no pack repo bundles a JSON-merge-patch
// library (see DESIGN.md), so this is implemented directly against RFC 7386
// ("a member of the patch's object whose value is null removes the same
// member from the target; otherwise it recursively merges").
func MergePatch(target, patch interface{}) interface{} {
	patchObj, patchIsObj := patch.(map[string]interface{})
	if !patchIsObj {
		return patch
	}

	targetObj, targetIsObj := target.(map[string]interface{})
	if !targetIsObj {
		targetObj = map[string]interface{}{}
	} else {
		targetObj = cloneObject(targetObj)
	}

	for key, patchVal := range patchObj {
		if patchVal == nil {
			delete(targetObj, key)
			continue
		}
		targetObj[key] = MergePatch(targetObj[key], patchVal)
	}
	return targetObj
}

func cloneObject(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MergePatchJSON applies a raw JSON merge patch document to a raw JSON
// target document, returning the merged document re-marshalled.
func MergePatchJSON(target, patch []byte) ([]byte, error) {
	var targetVal, patchVal interface{}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &targetVal); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, err
	}
	merged := MergePatch(targetVal, patchVal)
	return json.Marshal(merged)
}

// CreatePatch computes the minimal RFC 7386 merge patch that transforms a
// into b — the inverse operation of MergePatch, used by push_patch callers
// that compute a diff rather than author one by hand.
func CreatePatch(a, b interface{}) interface{} {
	bObj, bIsObj := b.(map[string]interface{})
	if !bIsObj {
		return b
	}
	aObj, aIsObj := a.(map[string]interface{})
	if !aIsObj {
		return bObj
	}

	patch := map[string]interface{}{}
	for key, bVal := range bObj {
		aVal, existed := aObj[key]
		if !existed {
			patch[key] = bVal
			continue
		}
		if equalJSON(aVal, bVal) {
			continue
		}
		if aSub, aOk := aVal.(map[string]interface{}); aOk {
			if bSub, bOk := bVal.(map[string]interface{}); bOk {
				patch[key] = CreatePatch(aSub, bSub)
				continue
			}
		}
		patch[key] = bVal
	}
	for key := range aObj {
		if _, stillPresent := bObj[key]; !stillPresent {
			patch[key] = nil
		}
	}
	return patch
}

func equalJSON(a, b interface{}) bool {
	aBytes, aErr := json.Marshal(a)
	bBytes, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return string(aBytes) == string(bBytes)
}
