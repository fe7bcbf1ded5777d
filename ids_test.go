package fieldsync

import (
	"sort"
	"strings"
	"testing"
)

func TestNewIDPrefixesAndOrder(t *testing.T) {
	ids := make([]string, 50)
	seen := make(map[string]bool, len(ids))
	for i := range ids {
		ids[i] = newID(TempIDPrefix)
		if seen[ids[i]] {
			t.Fatalf("duplicate id %s", ids[i])
		}
		seen[ids[i]] = true
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("ids are not in creation order")
	}

	for _, prefix := range []string{TempIDPrefix, AttachmentIDPrefix, OperationIDPrefix} {
		if id := newID(prefix); !strings.HasPrefix(id, prefix) || len(id) != len(prefix)+36 {
			t.Errorf("newID(%q) = %q", prefix, id)
		}
	}
}

func TestIsTempID(t *testing.T) {
	cases := map[string]bool{
		"offline_0190a4b2-7c1d-7000-8000-000000000000": true,
		"42":         false,
		"att_123":    false,
		"":           false,
		"offline":    false,
		"offline_":   true,
		"xoffline_1": false,
	}
	for id, want := range cases {
		if got := IsTempID(id); got != want {
			t.Errorf("IsTempID(%q) = %v, want %v", id, got, want)
		}
	}
}
