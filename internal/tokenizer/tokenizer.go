// Package tokenizer provides deterministic byte-pair tokenization for
// chunk sizing and context budgets. Token identity is stable across
// runs for a fixed scheme, so raw_text_sha256 and chunk boundaries are
// reproducible.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Scheme is the name of a tokenization scheme. It is part of the plan
// fingerprint so two plans built under different schemes never compare
// equal.
const Scheme = "cl100k_base"

// Tokenizer encodes text to token ids and decodes token ids back to
// text under a single named scheme.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

var (
	once    sync.Once
	shared  *Tokenizer
	initErr error
)

// New returns the process-wide cl100k_base tokenizer, building it once.
// Building a BPE encoder loads a sizeable merge table, so sharing one
// instance across every planning pass avoids redoing that work per
// call.
func New() (*Tokenizer, error) {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding(Scheme)
		if err != nil {
			initErr = fmt.Errorf("tokenizer: load %s encoding: %w", Scheme, err)
			return
		}
		shared = &Tokenizer{enc: enc}
	})
	return shared, initErr
}

// Encode tokenizes text into a sequence of stable token ids.
func (t *Tokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode reconstructs text from a token id sequence.
func (t *Tokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Count returns len(Encode(text)) without allocating a caller-visible
// slice beyond what Encode already builds.
func (t *Tokenizer) Count(text string) int {
	return len(t.Encode(text))
}
