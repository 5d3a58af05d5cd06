package canonhash

import "testing"

func TestCanonicalSHA256Stable(t *testing.T) {
	type payload struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	h1, b1, err := CanonicalSHA256(payload{A: "x", B: 2})
	if err != nil {
		t.Fatalf("hash err: %v", err)
	}
	h2, _, err := CanonicalSHA256(payload{A: "x", B: 2})
	if err != nil {
		t.Fatalf("hash err: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 32-byte hex hash, got %d chars", len(h1))
	}
	if string(b1) != `{"a":"x","b":2}` {
		t.Fatalf("unexpected canonical bytes: %s", b1)
	}
}

func TestCanonicalSHA256DiffersByContent(t *testing.T) {
	h1, _, _ := CanonicalSHA256(map[string]any{"k": 1})
	h2, _, _ := CanonicalSHA256(map[string]any{"k": 2})
	if h1 == h2 {
		t.Fatalf("distinct payloads must not collide")
	}
}

func TestHashStringSHA256Hex(t *testing.T) {
	// sha256 of empty string, a fixed reference value.
	if got := HashStringSHA256Hex(""); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected empty-string hash: %s", got)
	}
}
