package llmclient

import (
	"encoding/json"
	"fmt"

	"kbpipeline/internal/kbmodel"
)

// systemPrompt is fixed across every extraction call. It carries two
// worked examples — one clear, one ambiguous but still grounded — so the
// model sees both how to fill every field and that "no evidence" is a
// valid answer for optional fields, not a reason to invent one.
func systemPrompt() string {
	clear := map[string]any{
		"source_title":      "GDPR (Regulation (EU) 2016/679) - EUR-Lex EN",
		"source_url":        "https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=CELEX:32016R0679",
		"article_no":        "Article 28(3)",
		"short_description": "Requires processor terms to include mandatory clauses and bind processor actions to controller instructions.",
		"consequences":      "Missing or weak processor clauses can create GDPR non-compliance and contract remediation risk.",
		"possible_reasons": []string{
			"No clause limiting processing to documented controller instructions",
			"Processor obligations are stated only at a high level without required specifics",
			"Template omits audit/assistance requirements in processor terms",
		},
		"citation_quote":   "The processing by a processor shall be governed by a contract ... processes the personal data only on documented instructions from the controller...",
		"citation_section": "Article 28(3)",
	}
	ambiguous := map[string]any{
		"source_title":      "EDPB Opinion 22/2024 on processor/sub-processor obligations (EN PDF)",
		"source_url":        "https://www.edpb.europa.eu/system/files/2024-10/edpb_opinion_202422_relianceonprocessors-sub-processors_en.pdf",
		"article_no":        "Section 4.2",
		"short_description": "Explains practical interpretation boundaries for processor/sub-processor obligation chains.",
		"consequences":      nil,
		"possible_reasons": []string{
			"Flow-down clauses are incomplete across the processor/sub-processor chain",
			"Responsibilities are allocated ambiguously between processor and sub-processor",
		},
		"citation_quote":   "The Board considers that the contractual chain must ensure that the obligations remain effective in practice...",
		"citation_section": "Section 4.2",
	}
	clearJSON, _ := json.MarshalIndent(clear, "", "  ")
	ambiguousJSON, _ := json.MarshalIndent(ambiguous, "", "  ")

	return "You perform contextual compression for regulatory/legal text chunks used in a DPA compliance knowledge base.\n" +
		"Task: convert one CURRENT_CHUNK_TEXT into a compact, faithful structured record for downstream RAG retrieval.\n" +
		"Return only JSON matching the provided schema. No markdown, no prose, no code fences.\n" +
		"Ground the output in CURRENT_CHUNK_TEXT first. Use extra context only for disambiguation.\n" +
		"Prioritize faithfulness over completeness. Do not invent obligations, article numbers, citations, or legal claims.\n" +
		"Copy source_title and source_url exactly from SOURCE_TITLE and SOURCE_URL metadata.\n" +
		"citation_quote must be a short verbatim quote from CURRENT_CHUNK_TEXT.\n" +
		"citation_section should be the nearest visible article/clause/heading label if present, else null.\n" +
		"If consequences are not explicit, infer practical consequences briefly or set it to null.\n" +
		"Keep short_description to 1-2 lines and possible_reasons concise (0-3 items).\n" +
		"Internal method (do not output): identify legal point in chunk -> disambiguate using context -> compress -> attach exact quote.\n" +
		fmt.Sprintf("Example JSON (clear):\n%s\n\n", clearJSON) +
		fmt.Sprintf("Example JSON (ambiguous but grounded):\n%s", ambiguousJSON)
}

// userPrompt renders one chunk's extraction request.
func userPrompt(task kbmodel.TaskPayload) string {
	var contextHeader string
	if task.ContextMode == kbmodel.ContextModeFullDoc {
		contextHeader = fmt.Sprintf("FULL_DOCUMENT_CONTEXT (doc tokens=%d)\n%s", task.DocTokenCount, task.ContextText)
	} else {
		contextHeader = fmt.Sprintf("SURROUNDING_CHUNK_CONTEXT (chunks %d..%d)\n%s",
			task.ContextWindowStart+1, task.ContextWindowEnd+1, task.ContextText)
	}

	schemaJSON, _ := json.MarshalIndent(structureSchema, "", "  ")

	return fmt.Sprintf(
		"SOURCE_ID: %s\nSOURCE_TITLE: %s\nSOURCE_URL: %s\nCHUNK_INDEX: %d/%d\nCHUNK_TOKEN_COUNT_EST: %d\nCONTEXT_MODE: %s\n\n"+
			"JSON_SCHEMA:\n%s\n\nCURRENT_CHUNK_TEXT:\n%s\n\n%s\n",
		task.SourceID, task.SourceTitle, task.SourceURL, task.ChunkIndex+1, task.ChunkCount,
		task.ChunkTokenCount, task.ContextMode, schemaJSON, task.RawText, contextHeader,
	)
}
