// Package planner turns a corpus manifest into a deterministic set of
// chunk tasks: it tokenizes each source once, slides a token window
// across it, and assigns each chunk the context (FULL_DOC or
// SURROUNDING_CHUNKS) its document size calls for. Planning is pure and
// I/O-local — it never calls a remote service — so it is safe to run
// as a dry-run.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/pipelineerr"
	"kbpipeline/internal/tokenizer"
)

// Options configures one planning pass.
type Options struct {
	ManifestPath           string
	SourceIDFilter         map[string]bool // nil/empty means no filter
	ChunkSize              int
	ChunkOverlap           int
	FullDocThresholdTokens int
	MaxChunks              int // 0 means unbounded
}

// Plan reads the manifest at opts.ManifestPath, tokenizes every
// selected source, and emits a PlanningResult.
func Plan(opts Options) (kbmodel.PlanningResult, error) {
	if opts.ChunkSize <= 0 || opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return kbmodel.PlanningResult{}, pipelineerr.NewConfigError(
			"invalid chunking config: chunk_size=%d chunk_overlap=%d (need 0 <= overlap < chunk_size)",
			opts.ChunkSize, opts.ChunkOverlap)
	}

	tok, err := tokenizer.New()
	if err != nil {
		return kbmodel.PlanningResult{}, err
	}

	sources, rawManifest, err := loadManifest(opts.ManifestPath)
	if err != nil {
		return kbmodel.PlanningResult{}, err
	}

	result := kbmodel.PlanningResult{
		ManifestSHA256: sha256Hex(rawManifest),
		Summary: kbmodel.PlanSummary{
			Config: kbmodel.RunConfig{
				TokenizerScheme:        tokenizer.Scheme,
				ChunkSize:              opts.ChunkSize,
				ChunkOverlap:           opts.ChunkOverlap,
				FullDocThresholdTokens: opts.FullDocThresholdTokens,
			},
			PerSourceCounts: map[string]int{},
		},
	}

	for _, ms := range sources {
		if len(opts.SourceIDFilter) > 0 && !opts.SourceIDFilter[ms.SourceID] {
			continue
		}
		if opts.MaxChunks > 0 && len(result.Tasks) >= opts.MaxChunks {
			break
		}

		text, err := os.ReadFile(ms.TxtPath)
		if err != nil {
			return kbmodel.PlanningResult{}, pipelineerr.NewConfigError("read source %q text %q: %v", ms.SourceID, ms.TxtPath, err)
		}
		docText := string(text)
		docSHA := sha256Hex(text)

		docTokens := tok.Encode(docText)
		src, err := ms.toSource(docSHA, len(docText), len(docTokens))
		if err != nil {
			return kbmodel.PlanningResult{}, pipelineerr.NewConfigError("%v", err)
		}

		windows := slidingWindows(len(docTokens), opts.ChunkSize, opts.ChunkOverlap)
		n := len(windows)
		chunkTexts := make([]string, n)
		chunkTokenCounts := make([]int, n)
		for i, w := range windows {
			chunkTexts[i] = tok.Decode(docTokens[w.start:w.end])
			// Re-encode the decoded text rather than using the window
			// span: decode-then-encode is not always length-stable, so
			// chunk_token_count must reflect what the chunk actually
			// re-tokenizes to, not the slice it was cut from.
			chunkTokenCounts[i] = len(tok.Encode(chunkTexts[i]))
		}

		fullDoc := len(docTokens) <= opts.FullDocThresholdTokens

		remaining := n
		if opts.MaxChunks > 0 {
			if budget := opts.MaxChunks - len(result.Tasks); budget < remaining {
				remaining = budget
			}
		}

		for i := 0; i < remaining; i++ {
			mode, windowStart, windowEnd, contextText := contextFor(i, n, docText, chunkTexts, fullDoc)
			result.Tasks = append(result.Tasks, kbmodel.ChunkTaskPlan{
				SourceID:           src.SourceID,
				ChunkIndex:         i,
				ChunkCount:         n,
				RawText:            chunkTexts[i],
				RawTextSHA256:      sha256HexString(chunkTexts[i]),
				ChunkTokenCount:    chunkTokenCounts[i],
				DocTokenCount:      len(docTokens),
				ContextMode:        mode,
				ContextWindowStart: windowStart,
				ContextWindowEnd:   windowEnd,
				ContextText:        contextText,
			})
		}

		result.Sources = append(result.Sources, kbmodel.SourcePlan{
			Source:     src,
			DocSHA256:  docSHA,
			DocTokens:  len(docTokens),
			ChunkCount: n,
		})
		result.Summary.PerSourceCounts[src.SourceID] = remaining
		result.Summary.ChunkCount += remaining
	}
	result.Summary.SourceCount = len(result.Sources)

	return result, nil
}

type window struct{ start, end int }

// slidingWindows computes the [start,end) token windows a document of
// totalTokens tokens is chunked into. Windows start every
// chunkSize−overlap tokens; the loop stops after the first window whose
// end reaches totalTokens, and that window's end is clamped to
// totalTokens. For D > overlap this produces exactly
// ⌈(D−overlap) / (chunkSize−overlap)⌉ windows (invariant 7); a document
// of 1..overlap tokens produces a single window.
func slidingWindows(totalTokens, chunkSize, overlap int) []window {
	if totalTokens <= 0 {
		return nil
	}
	step := chunkSize - overlap
	var out []window
	start := 0
	for {
		end := start + chunkSize
		if end > totalTokens {
			end = totalTokens
		}
		out = append(out, window{start: start, end: end})
		if start+chunkSize >= totalTokens {
			break
		}
		start += step
	}
	return out
}

// contextFor computes the context mode, window bounds, and context text
// for chunk i of n, per spec §4.2 steps 4-5.
func contextFor(i, n int, docText string, chunkTexts []string, fullDoc bool) (kbmodel.ContextMode, int, int, string) {
	if fullDoc {
		return kbmodel.ContextModeFullDoc, 0, n - 1, docText
	}
	lo := i - 3
	if lo < 0 {
		lo = 0
	}
	hi := i + 3
	if hi > n-1 {
		hi = n - 1
	}
	var b strings.Builder
	for k := lo; k <= hi; k++ {
		if k == i {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Chunk %d/%d]\n%s", k+1, n, chunkTexts[k])
	}
	return kbmodel.ContextModeSurroundingChunks, lo, hi, b.String()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sha256HexString(s string) string {
	return sha256Hex([]byte(s))
}
