package planner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/tokenizer"
)

func writeManifest(t *testing.T, dir string, sources []manifestSource) string {
	t.Helper()
	type manifestJSON struct {
		Sources []manifestSource `json:"sources"`
	}
	b, err := json.Marshal(manifestJSON{Sources: sources})
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func writeSourceText(t *testing.T, dir, name, text string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write source text: %v", err)
	}
	return path
}

// TestPlan_FullDocSmallSource covers spec scenario S1.
func TestPlan_FullDocSmallSource(t *testing.T) {
	dir := t.TempDir()
	writeSourceText(t, dir, "s1.txt", strings.Repeat("Article 28 processor obligations. ", 30))
	manifestPath := writeManifest(t, dir, []manifestSource{
		{SourceID: "s1", Title: "T", Authority: "A", Kind: "HTML", URL: "https://example.test/s1", TxtPath: "s1.txt"},
	})

	result, err := Plan(Options{
		ManifestPath:           manifestPath,
		ChunkSize:              80,
		ChunkOverlap:           20,
		FullDocThresholdTokens: 50000,
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if len(result.Tasks) == 0 {
		t.Fatal("expected at least one task")
	}
	n := result.Tasks[0].ChunkCount
	for _, task := range result.Tasks {
		if task.ContextMode != kbmodel.ContextModeFullDoc {
			t.Fatalf("task %d: context mode = %s, want FULL_DOC", task.ChunkIndex, task.ContextMode)
		}
		if task.ContextWindowStart != 0 || task.ContextWindowEnd != n-1 {
			t.Fatalf("task %d: window = [%d,%d], want [0,%d]", task.ChunkIndex, task.ContextWindowStart, task.ContextWindowEnd, n-1)
		}
	}
}

// TestPlan_AboveThreshold covers spec scenario S2.
func TestPlan_AboveThreshold(t *testing.T) {
	dir := t.TempDir()
	writeSourceText(t, dir, "s2.txt", strings.Repeat("gdpr ", 3000))
	manifestPath := writeManifest(t, dir, []manifestSource{
		{SourceID: "s2", Title: "T", Authority: "A", Kind: "HTML", URL: "https://example.test/s2", TxtPath: "s2.txt"},
	})

	result, err := Plan(Options{
		ManifestPath:           manifestPath,
		ChunkSize:              50,
		ChunkOverlap:           10,
		FullDocThresholdTokens: 100,
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if len(result.Tasks) == 0 {
		t.Fatal("expected at least one task")
	}
	for _, task := range result.Tasks {
		if task.ContextMode != kbmodel.ContextModeSurroundingChunks {
			t.Fatalf("task %d: context mode = %s, want SURROUNDING_CHUNKS", task.ChunkIndex, task.ContextMode)
		}
		i := task.ChunkIndex
		if task.ContextWindowStart < i-3 || task.ContextWindowEnd > i+3 {
			t.Fatalf("task %d: window [%d,%d] outside [i-3,i+3]", i, task.ContextWindowStart, task.ContextWindowEnd)
		}
	}
}

// TestChunkCountFormula covers invariant 7.
func TestChunkCountFormula(t *testing.T) {
	tok, err := tokenizer.New()
	if err != nil {
		t.Fatalf("tokenizer.New(): %v", err)
	}
	text := strings.Repeat("gdpr ", 600)
	total := len(tok.Encode(text))

	const chunkSize, overlap = 50, 10
	windows := slidingWindows(total, chunkSize, overlap)

	step := chunkSize - overlap
	numerator := total - overlap
	if numerator < 0 {
		numerator = 0
	}
	want := (numerator + step - 1) / step
	if numerator == 0 {
		want = 0
	}
	if len(windows) != want {
		t.Fatalf("slidingWindows produced %d windows, want %d (ceil((%d-%d)/%d))", len(windows), want, total, overlap, step)
	}
}

// TestPlan_Deterministic covers invariant 6.
func TestPlan_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeSourceText(t, dir, "s3.txt", strings.Repeat("Processor obligations under Article 28. ", 50))
	manifestPath := writeManifest(t, dir, []manifestSource{
		{SourceID: "s3", Title: "T", Authority: "A", Kind: "HTML", URL: "https://example.test/s3", TxtPath: "s3.txt"},
	})
	opts := Options{ManifestPath: manifestPath, ChunkSize: 40, ChunkOverlap: 10, FullDocThresholdTokens: 50000}

	r1, err := Plan(opts)
	if err != nil {
		t.Fatalf("Plan() first run error: %v", err)
	}
	r2, err := Plan(opts)
	if err != nil {
		t.Fatalf("Plan() second run error: %v", err)
	}
	if r1.ManifestSHA256 != r2.ManifestSHA256 {
		t.Fatal("manifest_sha256 differs across runs")
	}
	if len(r1.Tasks) != len(r2.Tasks) {
		t.Fatalf("task count differs: %d vs %d", len(r1.Tasks), len(r2.Tasks))
	}
	for i := range r1.Tasks {
		if r1.Tasks[i].RawTextSHA256 != r2.Tasks[i].RawTextSHA256 {
			t.Fatalf("task %d raw_text_sha256 differs across runs", i)
		}
	}
}

func TestPlan_MaxChunksCap(t *testing.T) {
	dir := t.TempDir()
	writeSourceText(t, dir, "s4.txt", strings.Repeat("gdpr ", 3000))
	manifestPath := writeManifest(t, dir, []manifestSource{
		{SourceID: "s4", Title: "T", Authority: "A", Kind: "HTML", URL: "https://example.test/s4", TxtPath: "s4.txt"},
	})

	result, err := Plan(Options{
		ManifestPath:           manifestPath,
		ChunkSize:              50,
		ChunkOverlap:           10,
		FullDocThresholdTokens: 100,
		MaxChunks:              5,
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if len(result.Tasks) != 5 {
		t.Fatalf("len(result.Tasks) = %d, want 5", len(result.Tasks))
	}
}
