package store

import (
	"fmt"
	"strconv"
	"strings"
)

// vectorLiteral renders v as a pgvector text-input literal "[v1,v2,...]"
// with 10 digits after the decimal point per component (fixed-point
// %.10f), so a round-trip parse/serialize produces identical floats
// within 1e-6 (spec §9).
func vectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%.10f", x)
	}
	b.WriteByte(']')
	return b.String()
}

// parseVectorText parses a pgvector text-output literal "[v1,v2,...]"
// back into a float32 slice.
func parseVectorText(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d (%q): %w", i, p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
