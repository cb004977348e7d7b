package cache

import "testing"

func TestExclusionList_ExactAndPattern(t *testing.T) {
	el, err := NewExclusionList(
		[]string{"gpt-4o-realtime"},
		[]string{"^ft:", ".*-preview$"},
	)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-realtime", true},
		{"gpt-4o", false},
		{"ft:gpt-4o:org:123", true},
		{"o1-preview", true},
		{"o1", false},
	}
	for _, tc := range cases {
		if got := el.Matches(tc.model); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}

	if el.Len() != 3 {
		t.Errorf("Len = %d, want 3", el.Len())
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{"("}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("anything") {
		t.Fatal("nil list must match nothing")
	}
	if el.Len() != 0 {
		t.Fatal("nil list must have zero length")
	}
}
