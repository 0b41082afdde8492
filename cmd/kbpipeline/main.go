// Command kbpipeline ingests a knowledge-base corpus into Postgres:
// plan a run, execute it, resume an interrupted one, retry only the
// chunks that failed, or inspect a run's status.
//
// Usage:
//
//	kbpipeline plan   [--kb-dir DIR] [--source-id ID ...] [--max-chunks N] [--chunk-size N] [--overlap N] [--full-doc-threshold N]
//	kbpipeline run    [plan flags] [--llm-concurrency N] [--embed-concurrency N] [--upsert-concurrency N] [--request-retries N] [--timeout-seconds N] [--queue-maxsize N]
//	kbpipeline resume --run-id ID [runtime flags]
//	kbpipeline retry-failed --run-id ID [runtime flags]
//	kbpipeline status --run-id ID
//
// Flags left unset fall back to the environment-derived Config
// (KB_CHUNK_SIZE, KB_LLM_CONCURRENCY, ...). plan never touches the
// network; status connects only to the database. Neither requires
// OPENROUTER_API_KEY/OPENAI_API_KEY; run, resume, and retry-failed do.
//
// Example:
//
//	kbpipeline plan --kb-dir ./kb --max-chunks 50
//	kbpipeline run --kb-dir ./kb
//	kbpipeline resume --run-id 3f9e2c10-...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"kbpipeline/internal/config"
	"kbpipeline/internal/embedclient"
	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/llmclient"
	"kbpipeline/internal/observability"
	"kbpipeline/internal/orchestrator"
	"kbpipeline/internal/planner"
	"kbpipeline/internal/store"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

type commonFlags struct {
	kbDir             string
	sourceIDs         multiFlag
	maxChunks         int
	chunkSize         int
	overlap           int
	fullDocThreshold  int
}

type runtimeFlags struct {
	llmConcurrency    int
	embedConcurrency  int
	upsertConcurrency int
	requestRetries    int
	timeoutSeconds    int
	queueMaxSize      int
}

func bindCommon(fs *flag.FlagSet, c *commonFlags) {
	fs.StringVar(&c.kbDir, "kb-dir", "kb", "path to the kb folder")
	fs.Var(&c.sourceIDs, "source-id", "limit to source_id (repeatable)")
	fs.IntVar(&c.maxChunks, "max-chunks", 0, "limit total chunks (0 = unbounded)")
	fs.IntVar(&c.chunkSize, "chunk-size", 0, "override chunk size in tokens (0 = use config default)")
	fs.IntVar(&c.overlap, "overlap", 0, "override chunk overlap in tokens (0 = use config default)")
	fs.IntVar(&c.fullDocThreshold, "full-doc-threshold", 0, "override full-doc context threshold in tokens (0 = use config default)")
}

func bindRuntime(fs *flag.FlagSet, r *runtimeFlags) {
	fs.IntVar(&r.llmConcurrency, "llm-concurrency", 0, "override LLM worker count (0 = use config default)")
	fs.IntVar(&r.embedConcurrency, "embed-concurrency", 0, "override embed worker count (0 = use config default)")
	fs.IntVar(&r.upsertConcurrency, "upsert-concurrency", 0, "override upsert worker count (0 = use config default)")
	fs.IntVar(&r.requestRetries, "request-retries", 0, "override per-request retry budget (0 = use config default)")
	fs.IntVar(&r.timeoutSeconds, "timeout-seconds", 0, "override per-request timeout in seconds (0 = use config default)")
	fs.IntVar(&r.queueMaxSize, "queue-maxsize", 0, "override stage queue capacity (0 = use config default)")
}

func applyCommon(cfg config.Config, c commonFlags) config.Config {
	if c.chunkSize != 0 {
		cfg.ChunkSize = c.chunkSize
	}
	if c.overlap != 0 {
		cfg.ChunkOverlap = c.overlap
	}
	if c.fullDocThreshold != 0 {
		cfg.FullDocThresholdTokens = c.fullDocThreshold
	}
	return cfg
}

func applyRuntime(cfg config.Config, r runtimeFlags) config.Config {
	if r.llmConcurrency != 0 {
		cfg.LLMConcurrency = r.llmConcurrency
	}
	if r.embedConcurrency != 0 {
		cfg.EmbedConcurrency = r.embedConcurrency
	}
	if r.upsertConcurrency != 0 {
		cfg.UpsertConcurrency = r.upsertConcurrency
	}
	if r.requestRetries != 0 {
		cfg.RequestRetries = r.requestRetries
	}
	if r.timeoutSeconds != 0 {
		cfg.RequestTimeoutSeconds = r.timeoutSeconds
	}
	if r.queueMaxSize != 0 {
		cfg.QueueMaxSize = r.queueMaxSize
	}
	return cfg
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	var err error
	switch os.Args[1] {
	case "plan":
		err = runPlan(cfg, os.Args[2:])
	case "run":
		err = runNew(cfg, os.Args[2:])
	case "resume":
		err = runResume(cfg, os.Args[2:], false)
	case "retry-failed":
		err = runResume(cfg, os.Args[2:], true)
	case "status":
		err = runStatus(cfg, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kbpipeline <plan|run|resume|retry-failed|status> [flags]")
}

func planOptionsFrom(cfg config.Config, c commonFlags) planner.Options {
	var filter map[string]bool
	if len(c.sourceIDs) > 0 {
		filter = make(map[string]bool, len(c.sourceIDs))
		for _, id := range c.sourceIDs {
			filter[id] = true
		}
	}
	return planner.Options{
		ManifestPath:           filepath.Join(c.kbDir, "manifest.json"),
		SourceIDFilter:         filter,
		ChunkSize:              cfg.ChunkSize,
		ChunkOverlap:           cfg.ChunkOverlap,
		FullDocThresholdTokens: cfg.FullDocThresholdTokens,
		MaxChunks:              c.maxChunks,
	}
}

func runConfigFrom(cfg config.Config) kbmodel.RunConfig {
	return kbmodel.RunConfig{
		TokenizerScheme:        "cl100k_base",
		ChunkSize:              cfg.ChunkSize,
		ChunkOverlap:           cfg.ChunkOverlap,
		FullDocThresholdTokens: cfg.FullDocThresholdTokens,
		ExtractionModel:        cfg.ExtractionModel,
		EmbeddingModel:         cfg.EmbeddingModel,
		LLMConcurrency:         cfg.LLMConcurrency,
		EmbedConcurrency:       cfg.EmbedConcurrency,
		UpsertConcurrency:      cfg.UpsertConcurrency,
		RequestRetries:         cfg.RequestRetries,
		RequestTimeoutSeconds:  cfg.RequestTimeoutSeconds,
		LLMValidationRetries:   cfg.LLMValidationRetries,
	}
}

func runPlan(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	var c commonFlags
	bindCommon(fs, &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg = applyCommon(cfg, c)
	if err := cfg.ValidateChunking(); err != nil {
		return err
	}

	result, err := planner.Plan(planOptionsFrom(cfg, c))
	if err != nil {
		return err
	}
	out := map[string]any{
		"generated_at_utc": time.Now().UTC().Format(time.RFC3339),
		"manifest_sha256":  result.ManifestSHA256,
		"source_count":     result.Summary.SourceCount,
		"chunk_count":      result.Summary.ChunkCount,
		"per_source_counts": result.Summary.PerSourceCounts,
		"config": map[string]any{
			"chunk_size":                cfg.ChunkSize,
			"chunk_overlap":              cfg.ChunkOverlap,
			"full_doc_threshold_tokens":  cfg.FullDocThresholdTokens,
		},
	}
	return printJSON(out)
}

func buildOrchestrator(ctx context.Context, cfg config.Config) (*orchestrator.Orchestrator, error) {
	if err := cfg.RequireRuntimeSecrets(); err != nil {
		return nil, err
	}
	pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	repo := store.New(pool)

	llm := llmclient.New(llmclient.Options{
		APIKey:            cfg.ExtractionAPIKey,
		Model:             cfg.ExtractionModel,
		RequestRetries:    cfg.RequestRetries,
		ValidationRetries: cfg.LLMValidationRetries,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	})
	embed := embedclient.New(embedclient.Options{
		APIKey:         cfg.EmbeddingAPIKey,
		Model:          cfg.EmbeddingModel,
		RequestRetries: cfg.RequestRetries,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	})

	settings := orchestrator.Settings{
		LLMConcurrency:    cfg.LLMConcurrency,
		EmbedConcurrency:  cfg.EmbedConcurrency,
		UpsertConcurrency: cfg.UpsertConcurrency,
		QueueMaxSize:      cfg.QueueMaxSize,
		ProgressHeartbeat: time.Duration(cfg.ProgressHeartbeatSeconds) * time.Second,
		ExtractionModel:   cfg.ExtractionModel,
		EmbeddingModel:    cfg.EmbeddingModel,
	}
	return orchestrator.New(repo, llm, embed, settings), nil
}

// interruptContext mirrors the Python CLI's KeyboardInterrupt handling:
// a run is cancelled in the database before the process exits, instead
// of leaving its run row stuck RUNNING.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runNew(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var c commonFlags
	var r runtimeFlags
	bindCommon(fs, &c)
	bindRuntime(fs, &r)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg = applyRuntime(applyCommon(cfg, c), r)
	if err := cfg.ValidateChunking(); err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	o, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	result, _, err := o.RunNew(ctx, planOptionsFrom(cfg, c), runConfigFrom(cfg))
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runResume(cfg config.Config, args []string, failedOnly bool) error {
	name := "resume"
	if failedOnly {
		name = "retry-failed"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	var r runtimeFlags
	runID := fs.String("run-id", "", "run to resume (required)")
	bindRuntime(fs, &r)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("%s: --run-id is required", name)
	}
	cfg = applyRuntime(cfg, r)

	ctx, cancel := interruptContext()
	defer cancel()

	o, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	result, err := o.Resume(ctx, *runID, failedOnly)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runStatus(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run-id", "", "run to inspect (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("status: --run-id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	repo := store.New(pool)
	if err := repo.AssertSchemaReady(ctx); err != nil {
		return err
	}
	result, err := repo.Status(ctx, *runID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
