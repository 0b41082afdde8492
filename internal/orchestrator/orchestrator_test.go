package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/store"
)

// fakeRepo is an in-memory Repository good enough to drive the worker
// pools end to end without a database.
type fakeRepo struct {
	mu    sync.Mutex
	tasks map[string]*kbmodel.Task

	createErr error
	runID     string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: map[string]*kbmodel.Task{}, runID: "run-1"}
}

func (f *fakeRepo) AssertSchemaReady(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateRunFromPlan(ctx context.Context, plan kbmodel.PlanningResult, cfg kbmodel.RunConfig) (string, error) {
	return f.runID, f.createErr
}

func (f *fakeRepo) MarkRunStarted(ctx context.Context, runID string) error { return nil }
func (f *fakeRepo) CancelRun(ctx context.Context, runID, reason string) error { return nil }

func (f *fakeRepo) addTask(t *kbmodel.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func (f *fakeRepo) QueueSeed(ctx context.Context, runID string, failedOnly bool) ([]string, []string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var llmIDs, embedIDs, upsertIDs []string
	for id, t := range f.tasks {
		stage, ok := t.EarliestPendingStage()
		if !ok {
			continue
		}
		var status kbmodel.StageStatus
		switch stage {
		case "llm":
			status = t.LLMStatus
		case "embed":
			status = t.EmbedStatus
		case "upsert":
			status = t.UpsertStatus
		}
		if failedOnly && status != kbmodel.StageFailed {
			continue
		}
		switch stage {
		case "llm":
			llmIDs = append(llmIDs, id)
		case "embed":
			embedIDs = append(embedIDs, id)
		case "upsert":
			upsertIDs = append(upsertIDs, id)
		}
	}
	return llmIDs, embedIDs, upsertIDs, nil
}

func (f *fakeRepo) LoadTaskPayload(ctx context.Context, taskID string) (kbmodel.TaskPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	return kbmodel.TaskPayload{
		TaskID:         t.ID,
		SourceID:       t.SourceID,
		ChunkIndex:     t.ChunkIndex,
		ChunkCount:     t.ChunkCount,
		RawText:        t.RawText,
		StructuredJSON: t.StructuredJSON,
		Embedding:      t.Embedding,
	}, nil
}

func (f *fakeRepo) MarkStageRunning(ctx context.Context, taskID, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch stage {
	case "llm":
		f.tasks[taskID].LLMStatus = kbmodel.StageRunning
	case "embed":
		f.tasks[taskID].EmbedStatus = kbmodel.StageRunning
	case "upsert":
		f.tasks[taskID].UpsertStatus = kbmodel.StageRunning
	}
	return nil
}

func (f *fakeRepo) SaveLLMSuccess(ctx context.Context, taskID string, result kbmodel.LLMStageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.LLMStatus = kbmodel.StageSucceeded
	t.StructuredJSON = &result.StructuredJSON
	return nil
}

func (f *fakeRepo) SaveEmbedSuccess(ctx context.Context, taskID string, result kbmodel.EmbedStageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.EmbedStatus = kbmodel.StageSucceeded
	t.Embedding = result.Embedding
	return nil
}

func (f *fakeRepo) SaveUpsertSuccess(ctx context.Context, taskID string, result kbmodel.UpsertStageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.UpsertStatus = kbmodel.StageSucceeded
	t.FinalStatus = kbmodel.FinalCompleted
	return nil
}

func (f *fakeRepo) SaveStageFailure(ctx context.Context, taskID, stage, errMsg string, attemptsUsed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	switch stage {
	case "llm":
		t.LLMStatus = kbmodel.StageFailed
		t.LLMError = errMsg
	case "embed":
		t.EmbedStatus = kbmodel.StageFailed
		t.EmbedError = errMsg
	case "upsert":
		t.UpsertStatus = kbmodel.StageFailed
		t.UpsertError = errMsg
	}
	t.FinalStatus = kbmodel.FinalFailed
	return nil
}

func (f *fakeRepo) FinalizeRun(ctx context.Context, runID string) (kbmodel.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, completed, failed := 0, 0, 0
	for _, t := range f.tasks {
		total++
		switch t.FinalStatus {
		case kbmodel.FinalCompleted:
			completed++
		case kbmodel.FinalFailed:
			failed++
		}
	}
	switch {
	case completed == total:
		return kbmodel.RunCompleted, nil
	case failed == total:
		return kbmodel.RunFailed, nil
	case completed > 0 && failed > 0:
		return kbmodel.RunPartialFailure, nil
	default:
		return kbmodel.RunRunning, nil
	}
}

func (f *fakeRepo) ProgressCountsBySource(ctx context.Context, runID string) (map[string]store.SourceProgress, error) {
	return map[string]store.SourceProgress{}, nil
}

// fakeLLM and fakeEmbed let each test script per-task outcomes.
type fakeLLM struct {
	mu       sync.Mutex
	calls    map[string]int
	failOnce map[string]bool
}

func newFakeLLM() *fakeLLM { return &fakeLLM{calls: map[string]int{}, failOnce: map[string]bool{}} }

func (f *fakeLLM) Extract(ctx context.Context, task kbmodel.TaskPayload) (kbmodel.LLMStageResult, error) {
	f.mu.Lock()
	f.calls[task.TaskID]++
	calls := f.calls[task.TaskID]
	f.mu.Unlock()
	if f.failOnce[task.TaskID] && calls == 1 {
		return kbmodel.LLMStageResult{}, assertErr("transient failure")
	}
	return kbmodel.LLMStageResult{
		TaskID:         task.TaskID,
		StructuredJSON: kbmodel.KbStructureOutput{SourceTitle: "t", CitationQuote: "q"},
		StructuredText: "{}",
		AttemptsUsed:   calls,
	}, nil
}

type fakeEmbed struct{}

func (fakeEmbed) Embed(ctx context.Context, combinedText string) (kbmodel.EmbedStageResult, error) {
	return kbmodel.EmbedStageResult{Embedding: []float32{0.1, 0.2}, AttemptsUsed: 1}, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTask(id, sourceID string, idx int) *kbmodel.Task {
	return &kbmodel.Task{
		ID: id, SourceID: sourceID, ChunkIndex: idx, ChunkCount: 1,
		RawText: "hello world", LLMStatus: kbmodel.StagePending,
		EmbedStatus: kbmodel.StagePending, UpsertStatus: kbmodel.StagePending,
		FinalStatus: kbmodel.FinalPending,
	}
}

func settingsForTest() Settings {
	return Settings{
		LLMConcurrency: 2, EmbedConcurrency: 2, UpsertConcurrency: 2,
		QueueMaxSize: 4, ProgressHeartbeat: 50 * time.Millisecond,
		ExtractionModel: "m-llm", EmbeddingModel: "m-embed",
	}
}

func TestResume_AllTasksComplete(t *testing.T) {
	repo := newFakeRepo()
	repo.addTask(newTask("a", "s1", 0))
	repo.addTask(newTask("b", "s1", 1))

	o := New(repo, newFakeLLM(), fakeEmbed{}, settingsForTest())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := o.Resume(ctx, "run-1", false)
	require.NoError(t, err)
	require.Equal(t, kbmodel.RunCompleted, result.Status)
	for _, task := range repo.tasks {
		require.Equal(t, kbmodel.FinalCompleted, task.FinalStatus)
	}
}

func TestResume_LLMFailureIsTerminalForTask(t *testing.T) {
	repo := newFakeRepo()
	repo.addTask(newTask("a", "s1", 0))

	o := New(repo, &alwaysFailLLM{}, fakeEmbed{}, settingsForTest())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := o.Resume(ctx, "run-1", false)
	require.NoError(t, err)
	require.Equal(t, kbmodel.RunFailed, result.Status)
	require.Equal(t, kbmodel.FinalFailed, repo.tasks["a"].FinalStatus)
	require.Equal(t, kbmodel.StageFailed, repo.tasks["a"].LLMStatus)
}

type alwaysFailLLM struct{}

func (alwaysFailLLM) Extract(ctx context.Context, task kbmodel.TaskPayload) (kbmodel.LLMStageResult, error) {
	return kbmodel.LLMStageResult{}, assertErr("permanent validation failure")
}

func TestResume_RetryFailedOnlySeedsFailedStage(t *testing.T) {
	repo := newFakeRepo()
	a := newTask("a", "s1", 0)
	a.LLMStatus = kbmodel.StageFailed
	a.FinalStatus = kbmodel.FinalFailed
	repo.addTask(a)
	b := newTask("b", "s1", 1)
	b.LLMStatus = kbmodel.StagePending
	repo.addTask(b)

	o := New(repo, newFakeLLM(), fakeEmbed{}, settingsForTest())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := o.Resume(ctx, "run-1", true)
	require.NoError(t, err)
	require.Equal(t, kbmodel.StageSucceeded, repo.tasks["a"].LLMStatus, "failed task should be retried")
	require.Equal(t, kbmodel.StagePending, repo.tasks["b"].LLMStatus, "pending (not failed) task should be skipped under retry-failed")
}
