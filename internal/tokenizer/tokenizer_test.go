package tokenizer

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	text := "Article 28 processor obligations under the GDPR."
	ids := tok.Encode(text)
	if len(ids) == 0 {
		t.Fatal("Encode() returned no tokens")
	}
	if got := tok.Decode(ids); got != text {
		t.Fatalf("Decode(Encode(text)) = %q, want %q", got, text)
	}
}

func TestCountMatchesEncodeLength(t *testing.T) {
	tok, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	text := "gdpr gdpr gdpr gdpr gdpr"
	if got, want := tok.Count(text), len(tok.Encode(text)); got != want {
		t.Fatalf("Count() = %d, want %d", got, want)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	tok, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	text := "Processor shall act only on documented instructions."
	a := tok.Encode(text)
	b := tok.Encode(text)
	if len(a) != len(b) {
		t.Fatalf("non-deterministic token count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic token at %d: %d vs %d", i, a[i], b[i])
		}
	}
}
