package store

import (
	"math"
	"testing"
)

func TestVectorLiteralRoundTrip(t *testing.T) {
	in := []float32{0.1, -0.2, 3.333333, 1e-5, -7}
	lit := vectorLiteral(in)
	out, err := parseVectorText(lit)
	if err != nil {
		t.Fatalf("parseVectorText() error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > 1e-6 {
			t.Fatalf("component %d: got %v, want %v (diff %v)", i, out[i], in[i], diff)
		}
	}
}

func TestVectorLiteralFormat(t *testing.T) {
	got := vectorLiteral([]float32{1, -2.5})
	want := "[1.0000000000,-2.5000000000]"
	if got != want {
		t.Fatalf("vectorLiteral() = %q, want %q", got, want)
	}
}

func TestParseVectorText_Empty(t *testing.T) {
	out, err := parseVectorText("[]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty slice, got %v", out)
	}
}
