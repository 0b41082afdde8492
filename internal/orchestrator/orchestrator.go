// Package orchestrator is the pipeline's execution engine (C5): three
// bounded worker pools connected by channels, one per stage, fed by a
// resumable queue seed and drained to completion before the run is
// finalized.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/pipelineerr"
	"kbpipeline/internal/planner"
	"kbpipeline/internal/store"
)

// Repository is everything the orchestrator needs from persistence.
// store.Store satisfies it; tests substitute a fake.
type Repository interface {
	AssertSchemaReady(ctx context.Context) error
	CreateRunFromPlan(ctx context.Context, plan kbmodel.PlanningResult, cfg kbmodel.RunConfig) (string, error)
	MarkRunStarted(ctx context.Context, runID string) error
	CancelRun(ctx context.Context, runID, reason string) error
	QueueSeed(ctx context.Context, runID string, failedOnly bool) (llmIDs, embedIDs, upsertIDs []string, err error)
	LoadTaskPayload(ctx context.Context, taskID string) (kbmodel.TaskPayload, error)
	MarkStageRunning(ctx context.Context, taskID, stage string) error
	SaveLLMSuccess(ctx context.Context, taskID string, result kbmodel.LLMStageResult) error
	SaveEmbedSuccess(ctx context.Context, taskID string, result kbmodel.EmbedStageResult) error
	SaveUpsertSuccess(ctx context.Context, taskID string, result kbmodel.UpsertStageResult) error
	SaveStageFailure(ctx context.Context, taskID, stage, errMsg string, attemptsUsed int) error
	FinalizeRun(ctx context.Context, runID string) (kbmodel.RunStatus, error)
	ProgressCountsBySource(ctx context.Context, runID string) (map[string]store.SourceProgress, error)
}

// LLMClient is the structured-extraction stage client's interface.
type LLMClient interface {
	Extract(ctx context.Context, task kbmodel.TaskPayload) (kbmodel.LLMStageResult, error)
}

// EmbedClient is the embedding stage client's interface.
type EmbedClient interface {
	Embed(ctx context.Context, combinedText string) (kbmodel.EmbedStageResult, error)
}

// Settings holds the runtime values the orchestrator reads directly:
// pool sizes, queue capacity, heartbeat interval, and the model ids
// recorded on each upserted chunk. The RunConfig passed to RunNew flows
// through to CreateRunFromPlan unmodified.
type Settings struct {
	LLMConcurrency    int
	EmbedConcurrency  int
	UpsertConcurrency int
	QueueMaxSize      int
	ProgressHeartbeat time.Duration
	ExtractionModel   string
	EmbeddingModel    string
}

// Orchestrator wires a repository and the two remote stage clients
// into the three-stage concurrent pipeline.
type Orchestrator struct {
	repo     Repository
	llm      LLMClient
	embed    EmbedClient
	settings Settings
}

func New(repo Repository, llm LLMClient, embed EmbedClient, settings Settings) *Orchestrator {
	return &Orchestrator{repo: repo, llm: llm, embed: embed, settings: settings}
}

// RunResult is what a new/resumed run reports back to the CLI.
type RunResult struct {
	RunID  string
	Status kbmodel.RunStatus
}

// RunNew plans, persists, and executes a brand-new run end to end.
func (o *Orchestrator) RunNew(ctx context.Context, planOpts planner.Options, cfg kbmodel.RunConfig) (RunResult, kbmodel.PlanningResult, error) {
	if err := o.repo.AssertSchemaReady(ctx); err != nil {
		return RunResult{}, kbmodel.PlanningResult{}, err
	}
	plan, err := planner.Plan(planOpts)
	if err != nil {
		return RunResult{}, kbmodel.PlanningResult{}, err
	}
	runID, err := o.repo.CreateRunFromPlan(ctx, plan, cfg)
	if err != nil {
		return RunResult{}, plan, err
	}

	if err := o.executeRun(ctx, runID, false); err != nil {
		_ = o.repo.CancelRun(context.WithoutCancel(ctx), runID, "interrupted during run execution: "+err.Error())
		return RunResult{}, plan, err
	}
	status, err := o.repo.FinalizeRun(ctx, runID)
	if err != nil {
		return RunResult{}, plan, err
	}
	return RunResult{RunID: runID, Status: status}, plan, nil
}

// Resume re-executes an existing run's unfinished tasks. failedOnly
// restricts seeding to tasks whose earliest pending stage is FAILED
// (the retry-failed subcommand); otherwise every non-completed task is
// re-seeded, including ones left RUNNING by a crash.
func (o *Orchestrator) Resume(ctx context.Context, runID string, failedOnly bool) (RunResult, error) {
	if err := o.repo.AssertSchemaReady(ctx); err != nil {
		return RunResult{}, err
	}
	if err := o.executeRun(ctx, runID, failedOnly); err != nil {
		_ = o.repo.CancelRun(context.WithoutCancel(ctx), runID, "interrupted during run execution: "+err.Error())
		return RunResult{}, err
	}
	status, err := o.repo.FinalizeRun(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{RunID: runID, Status: status}, nil
}

// stopSignal is pushed onto a stage queue once per worker to unblock
// it after all real work has drained.
const stopSignal = ""

func (o *Orchestrator) executeRun(ctx context.Context, runID string, failedOnly bool) error {
	if err := o.repo.MarkRunStarted(ctx, runID); err != nil {
		return err
	}
	llmIDs, embedIDs, upsertIDs, err := o.repo.QueueSeed(ctx, runID, failedOnly)
	if err != nil {
		return err
	}
	seedCounts, err := o.repo.ProgressCountsBySource(ctx, runID)
	if err != nil {
		return err
	}
	tracker := newProgressTracker(runID, seedCounts)

	llmQueueSize := max1(o.settings.QueueMaxSize)
	embedQueueSize := max1(o.settings.QueueMaxSize)
	upsertQueueSize := max1(o.settings.QueueMaxSize)
	if upsertQueueSize < 256 {
		upsertQueueSize = 256
	}

	llmQueue := make(chan string, llmQueueSize)
	embedQueue := make(chan string, embedQueueSize)
	upsertQueue := make(chan string, upsertQueueSize)

	// Each stage's drain WaitGroup counts real (non-sentinel) items put
	// onto that stage's queue, from its own seed plus whatever the
	// upstream stage produces while running; a stage's Wait returns only
	// once every item ever queued to it has been fully processed. The
	// seed counts are added synchronously, before any worker or feeder
	// goroutine starts, so no Add can race a Wait call that already
	// observed a zero counter.
	var llmDrain, embedDrain, upsertDrain sync.WaitGroup
	llmDrain.Add(len(llmIDs))
	embedDrain.Add(len(embedIDs))
	upsertDrain.Add(len(upsertIDs))

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go o.runHeartbeat(heartbeatCtx, &hbWG, tracker)

	var wg sync.WaitGroup
	llmWorkers := max1(o.settings.LLMConcurrency)
	embedWorkers := max1(o.settings.EmbedConcurrency)
	upsertWorkers := max1(o.settings.UpsertConcurrency)

	// Workers start before the queues are seeded: a run with more tasks
	// than queue capacity would otherwise deadlock filling the channel.
	for i := 0; i < llmWorkers; i++ {
		wg.Add(1)
		go o.llmWorker(ctx, &wg, runID, i, llmQueue, embedQueue, tracker, &llmDrain, &embedDrain)
	}
	for i := 0; i < embedWorkers; i++ {
		wg.Add(1)
		go o.embedWorker(ctx, &wg, runID, i, embedQueue, upsertQueue, tracker, &embedDrain, &upsertDrain)
	}
	for i := 0; i < upsertWorkers; i++ {
		wg.Add(1)
		go o.upsertWorker(ctx, &wg, runID, i, upsertQueue, tracker, &upsertDrain)
	}

	go seedQueue(llmQueue, llmIDs)
	go seedQueue(embedQueue, embedIDs)
	go seedQueue(upsertQueue, upsertIDs)

	// Drain each stage fully, in pipeline order, before signalling any
	// worker to stop: embedDrain only stops growing once llmDrain has
	// drained (every llm worker has either failed a task or added one
	// to embedDrain and is done), and likewise for upsertDrain.
	llmDrain.Wait()
	embedDrain.Wait()
	upsertDrain.Wait()

	stopQueue(llmQueue, llmWorkers)
	stopQueue(embedQueue, embedWorkers)
	stopQueue(upsertQueue, upsertWorkers)

	wg.Wait()
	stopHeartbeat()
	hbWG.Wait()

	if ctx.Err() != nil {
		return &pipelineerr.CancellationError{Reason: ctx.Err().Error()}
	}
	return nil
}

// seedQueue pushes every seed id onto a stage's queue. Its drain
// WaitGroup was already incremented by the caller before this goroutine
// was started.
func seedQueue(queue chan<- string, ids []string) {
	for _, id := range ids {
		queue <- id
	}
}

// stopQueue pushes one stopSignal per worker so each worker's range
// loop terminates; callers must only invoke this after the queue's
// drain WaitGroup has returned from Wait.
func stopQueue(queue chan<- string, workerCount int) {
	for i := 0; i < workerCount; i++ {
		queue <- stopSignal
	}
}

func (o *Orchestrator) runHeartbeat(ctx context.Context, wg *sync.WaitGroup, tracker *progressTracker) {
	defer wg.Done()
	interval := o.settings.ProgressHeartbeat
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.heartbeat()
		}
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// logChunkEvent matches the structured event every stage attempt
// reports, regardless of outcome.
func (o *Orchestrator) logChunkEvent(runID string, task kbmodel.TaskPayload, stage, status string, latency time.Duration, retryCount, workerIdx int, err error) {
	ev := log.Info()
	if err != nil {
		ev = log.Error()
	}
	ev = ev.Str("event", "kb_pipeline.chunk_stage").
		Str("run_id", runID).
		Str("stage", stage).
		Str("status", status).
		Int64("latency_ms", latency.Milliseconds()).
		Int("retry_count", retryCount).
		Int("worker_idx", workerIdx).
		Str("trace_id", fmt.Sprintf("%s:%s:%s", runID, task.TaskID, stage)).
		Str("source_id", task.SourceID).
		Int("chunk_index", task.ChunkIndex).
		Int("chunk_count", task.ChunkCount)
	if err != nil {
		msg := err.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		ev = ev.Str("error", msg)
	}
	ev.Msg("chunk stage completed")
}
