package apikey

import (
	"crypto/sha256"
	"strings"
	"testing"
)

func TestGenerateProducesMatchingHashAndPrefix(t *testing.T) {
	t.Parallel()

	raw, hash, prefix, err := Generate(TypeLive)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.HasPrefix(raw, "rf_live_") {
		t.Errorf("raw = %q, want rf_live_ prefix", raw)
	}
	if prefix != raw[:8] {
		t.Errorf("prefix = %q, want %q", prefix, raw[:8])
	}
	want := sha256.Sum256([]byte(raw))
	if string(hash) != string(want[:]) {
		t.Error("hash does not match SHA-256 of the raw key")
	}
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	t.Parallel()

	raw1, _, _, _ := Generate(TypeTest)
	raw2, _, _, _ := Generate(TypeTest)
	if raw1 == raw2 {
		t.Error("two Generate() calls returned the same key")
	}
}

func TestGenerateEncodesRequestedType(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{TypeLive, TypeTest, TypeAdmin} {
		raw, _, _, err := Generate(typ)
		if err != nil {
			t.Fatalf("Generate(%s) error = %v", typ, err)
		}
		want := "rf_" + string(typ) + "_"
		if !strings.HasPrefix(raw, want) {
			t.Errorf("Generate(%s) = %q, want prefix %q", typ, raw, want)
		}
	}
}
