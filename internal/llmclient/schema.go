package llmclient

// structureSchema is the strict JSON Schema for kbmodel.KbStructureOutput,
// sent as the OpenRouter structured-output contract and embedded in the
// user prompt so the model sees its own target shape. It is hand-built
// rather than reflected because the output contract is small, fixed, and
// needs "additionalProperties": false enforced exactly — the one place
// this repository falls back to a literal value instead of a schema
// library (see DESIGN.md).
var structureSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required": []string{
		"source_title", "source_url", "article_no", "short_description",
		"consequences", "possible_reasons", "citation_quote", "citation_section",
	},
	"properties": map[string]any{
		"source_title": map[string]any{
			"type":        "string",
			"description": "Exact source title copied from SOURCE_TITLE metadata.",
		},
		"source_url": map[string]any{
			"type":        "string",
			"description": "Exact source URL copied from SOURCE_URL metadata.",
		},
		"article_no": map[string]any{
			"type":        "string",
			"description": "Article/clause/section identifier, or best matching label.",
		},
		"short_description": map[string]any{
			"type":        "string",
			"description": "1-2 line summary of why this text matters for DPA checks.",
		},
		"consequences": map[string]any{
			"type":        []string{"string", "null"},
			"description": "Practical or legal consequences of non-compliance.",
		},
		"possible_reasons": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"minItems":    0,
			"maxItems":    3,
			"description": "0-3 likely violation patterns or failure modes.",
		},
		"citation_quote": map[string]any{
			"type":        "string",
			"description": "Short verbatim quote from CURRENT_CHUNK_TEXT supporting the output.",
		},
		"citation_section": map[string]any{
			"type":        []string{"string", "null"},
			"description": "Nearest heading/article label if visible, else null.",
		},
	},
}
