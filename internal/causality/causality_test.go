package causality

import (
	"encoding/json"
	"testing"
)

func TestSetParentRoundTrip(t *testing.T) {
	payloads := []string{
		`{}`,
		`{"order":42}`,
		`{"nested":{"a":[1,2,{"b":"c"}]},"tail":true}`,
		`  {"spaced": "yes"}  `,
		`{"$ParentId":"old","x":1}`,
	}
	ids := []string{"0190f7a8-1111-7000-8000-000000000001", "a", "with \"quotes\""}
	for _, payload := range payloads {
		for _, id := range ids {
			out := SetParent(id, []byte(payload))
			got, ok := GetParent(out)
			if !ok || got != id {
				t.Fatalf("round trip %q with %q: got %q ok=%v (body %s)", payload, id, got, ok, out)
			}
			if !json.Valid(out) {
				t.Fatalf("SetParent produced invalid json: %s", out)
			}
		}
	}
}

func TestSetParentPreservesFields(t *testing.T) {
	out := SetParent("p", []byte(`{"order":42,"items":["a"]}`))
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["order"].(float64) != 42 || len(doc["items"].([]any)) != 1 {
		t.Fatalf("fields lost: %v", doc)
	}
}

func TestSetParentLeavesOpaquePayloads(t *testing.T) {
	cases := []string{``, `plain text`, `[1,2,3]`, `"string"`, `42`, `{"broken":`, `{"a":1} trailing`}
	for _, payload := range cases {
		out := SetParent("p", []byte(payload))
		if string(out) != payload {
			t.Fatalf("payload %q changed to %q", payload, out)
		}
	}
	if out := SetParent("", []byte(`{"a":1}`)); string(out) != `{"a":1}` {
		t.Fatalf("empty id must not change payload, got %q", out)
	}
}

func TestGetParentDefensive(t *testing.T) {
	cases := []struct {
		name string
		body string
		id   string
		ok   bool
	}{
		{name: "empty", body: ``},
		{name: "text", body: `hello`},
		{name: "array", body: `[{"$ParentId":"x"}]`},
		{name: "missing", body: `{"a":1}`},
		{name: "nested only", body: `{"inner":{"$ParentId":"x"}}`},
		{name: "non string", body: `{"$ParentId":7}`},
		{name: "empty id", body: `{"$ParentId":""}`},
		{name: "truncated", body: `{"a":{"b":`},
		{name: "after nested", body: `{"a":{"b":[1,{"c":2}]},"$ParentId":"x"}`, id: "x", ok: true},
		{name: "marker first then garbage", body: `{"$ParentId":"y", garbage`, id: "y", ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := GetParent([]byte(tc.body))
			if ok != tc.ok || id != tc.id {
				t.Fatalf("expected (%q,%v), got (%q,%v)", tc.id, tc.ok, id, ok)
			}
		})
	}
}
