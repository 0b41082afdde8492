package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"kbpipeline/internal/kbmodel"
)

// CombinedText renders the canonical text an embedding is computed
// over: the raw chunk text followed by its structured extraction as
// indented JSON, under fixed section headers. The embed stage and the
// repository's upsert path both build it through CombinedTextFromStruct,
// so they produce byte-identical output for the same structured output,
// since the combined text is re-derived on every resume rather than
// cached separately.
func CombinedText(rawText string, structuredJSON []byte) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, structuredJSON, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(structuredJSON)
	}
	var b strings.Builder
	b.WriteString("## RAW_TEXT_CHUNK\n")
	b.WriteString(strings.TrimSpace(rawText))
	b.WriteString("\n\n## STRUCTURED_OUTPUT\n")
	b.WriteString(pretty.String())
	b.WriteString("\n")
	return b.String()
}

// CombinedTextFromStruct builds the same canonical text as CombinedText
// from a decoded structured output rather than raw JSON bytes — what
// the embed stage worker has in hand after loading a task payload.
func CombinedTextFromStruct(rawText string, structured *kbmodel.KbStructureOutput) (string, error) {
	if structured == nil {
		return "", fmt.Errorf("structured_json is required to build combined text")
	}
	b, err := json.Marshal(structured)
	if err != nil {
		return "", fmt.Errorf("marshal structured output: %w", err)
	}
	return CombinedText(rawText, b), nil
}
