package snapshot

import (
	"encoding/json"
	"testing"
)

// RFC 7386 Appendix A's official test cases — all 15 are covered here, one
// per subtest, the original's wording preserved in names/comments.
func TestMergePatchRFC7386Cases(t *testing.T) {
	cases := []struct {
		name   string
		target string
		patch  string
		want   string
	}{
		{"replace member", `{"a":"b"}`, `{"a":"c"}`, `{"a":"c"}`},
		{"add member", `{"a":"b"}`, `{"b":"c"}`, `{"a":"b","b":"c"}`},
		{"remove member via null", `{"a":"b"}`, `{"a":null}`, `{}`},
		{"remove one keep another", `{"a":"b","b":"c"}`, `{"a":null}`, `{"b":"c"}`},
		{"replace array with value", `{"a":["b"]}`, `{"a":"c"}`, `{"a":"c"}`},
		{"replace value with array", `{"a":"c"}`, `{"a":["b"]}`, `{"a":["b"]}`},
		{"nested object replace", `{"a":{"b":"c"}}`, `{"a":{"b":"d","c":null}}`, `{"a":{"b":"d"}}`},
		{"replace array wholesale", `{"a":[{"b":"c"}]}`, `{"a":[1]}`, `{"a":[1]}`},
		{"array patch replaces array", `["a","b"]`, `["c","d"]`, `["c","d"]`},
		{"array patch replaces object", `{"a":"b"}`, `["c"]`, `["c"]`},
		{"null patch replaces object", `{"a":"foo"}`, `null`, `null`},
		{"string patch replaces object", `{"a":"foo"}`, `"bar"`, `"bar"`},
		{"existing null member kept", `{"e":null}`, `{"a":1}`, `{"e":null,"a":1}`},
		{"array becomes object", `[1,2]`, `{"a":"b","c":null}`, `{"a":"b"}`},
		{"deep add", `{}`, `{"a":{"bb":{"ccc":null}}}`, `{"a":{"bb":{}}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MergePatchJSON([]byte(tc.target), []byte(tc.patch))
			if err != nil {
				t.Fatal(err)
			}
			var gotVal, wantVal interface{}
			if err := json.Unmarshal(got, &gotVal); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal([]byte(tc.want), &wantVal); err != nil {
				t.Fatal(err)
			}
			if !equalJSON(gotVal, wantVal) {
				t.Errorf("MergePatch(%s, %s) = %s, want %s", tc.target, tc.patch, got, tc.want)
			}
		})
	}
}

func TestCreatePatchRoundTrip(t *testing.T) {
	var a, b interface{}
	_ = json.Unmarshal([]byte(`{"accounts":{"u1":{"balance":100}},"orders":{}}`), &a)
	_ = json.Unmarshal([]byte(`{"accounts":{"u1":{"balance":110}},"orders":{"o1":{"status":"FILLED"}}}`), &b)

	patch := CreatePatch(a, b)
	merged := MergePatch(a, patch)

	if !equalJSON(merged, b) {
		mergedJSON, _ := json.Marshal(merged)
		bJSON, _ := json.Marshal(b)
		t.Errorf("CreatePatch then MergePatch did not round-trip: got %s, want %s", mergedJSON, bJSON)
	}
}
