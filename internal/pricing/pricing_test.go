package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCost_KnownModel(t *testing.T) {
	tbl := NewTable("gpt-4o-mini", nil)

	// gpt-4o is priced at 0.0075 per 1K tokens → 2000 tokens cost 0.015.
	got := tbl.Cost("gpt-4o", 2000)
	want := decimal.RequireFromString("0.015")
	if !got.Equal(want) {
		t.Fatalf("Cost(gpt-4o, 2000) = %s, want %s", got, want)
	}
}

func TestCost_UnknownModelFallsBackToDefault(t *testing.T) {
	tbl := NewTable("gpt-4o", nil)

	got := tbl.Cost("some-model-nobody-heard-of", 1000)
	want := tbl.Cost("gpt-4o", 1000)
	if !got.Equal(want) {
		t.Fatalf("unknown model cost %s, want default model cost %s", got, want)
	}
}

func TestCost_ZeroAndNegativeTokens(t *testing.T) {
	tbl := NewTable("", nil)

	if got := tbl.Cost("gpt-4o", 0); !got.IsZero() {
		t.Errorf("Cost with 0 tokens = %s, want 0", got)
	}
	if got := tbl.Cost("gpt-4o", -5); !got.IsZero() {
		t.Errorf("Cost with negative tokens = %s, want 0", got)
	}
}

func TestNewTable_Overrides(t *testing.T) {
	tbl := NewTable("gpt-4o-mini", map[string]string{
		"gpt-4o":    "0.010",
		"my-model":  "0.001",
		"bad-value": "not-a-number", // ignored
		"negative":  "-1",           // ignored
	})

	if got := tbl.Cost("gpt-4o", 1000); !got.Equal(decimal.RequireFromString("0.010")) {
		t.Errorf("override not applied: got %s", got)
	}
	if !tbl.Known("my-model") {
		t.Error("expected my-model to be known after override")
	}
	if tbl.Known("bad-value") {
		t.Error("invalid override value must be ignored")
	}
	if tbl.Known("negative") {
		t.Error("negative override value must be ignored")
	}
}

func TestCost_ExactDecimalArithmetic(t *testing.T) {
	tbl := NewTable("", map[string]string{"m": "0.4"})

	// Three calls of 1000 tokens at 0.4 each must sum to exactly 1.2,
	// with no float drift.
	sum := decimal.Zero
	for i := 0; i < 3; i++ {
		sum = sum.Add(tbl.Cost("m", 1000))
	}
	if !sum.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("sum = %s, want 1.2", sum)
	}
}
