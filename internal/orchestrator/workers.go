package orchestrator

import (
	"context"
	"sync"
	"time"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/pipelineerr"
	"kbpipeline/internal/store"
)

func (o *Orchestrator) llmWorker(ctx context.Context, wg *sync.WaitGroup, runID string, workerIdx int, in <-chan string, out chan<- string, tracker *progressTracker, llmDrain, embedDrain *sync.WaitGroup) {
	defer wg.Done()
	for taskID := range in {
		if taskID == stopSignal {
			return
		}
		o.runLLMTask(ctx, runID, workerIdx, taskID, out, tracker, llmDrain, embedDrain)
	}
}

func (o *Orchestrator) runLLMTask(ctx context.Context, runID string, workerIdx int, taskID string, out chan<- string, tracker *progressTracker, llmDrain, embedDrain *sync.WaitGroup) {
	defer llmDrain.Done()
	started := time.Now()
	if err := o.repo.MarkStageRunning(ctx, taskID, "llm"); err != nil {
		o.logChunkEvent(runID, kbmodel.TaskPayload{TaskID: taskID}, "llm", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	task, err := o.repo.LoadTaskPayload(ctx, taskID)
	if err != nil {
		o.logChunkEvent(runID, kbmodel.TaskPayload{TaskID: taskID}, "llm", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	tracker.stageStart(task, "llm")

	result, err := o.llm.Extract(ctx, task)
	if err != nil {
		_ = o.repo.SaveStageFailure(context.WithoutCancel(ctx), taskID, "llm", err.Error(), 1)
		tracker.stageDone(task, "llm", false)
		o.logChunkEvent(runID, task, "llm", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	if err := o.repo.SaveLLMSuccess(ctx, taskID, result); err != nil {
		_ = o.repo.SaveStageFailure(context.WithoutCancel(ctx), taskID, "llm", err.Error(), 1)
		tracker.stageDone(task, "llm", false)
		o.logChunkEvent(runID, task, "llm", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	// Counted in embedDrain before handing off, so embedDrain.Wait()
	// cannot observe a zero counter between this send and the embed
	// worker picking the task up.
	embedDrain.Add(1)
	out <- taskID
	tracker.stageDone(task, "llm", true)
	o.logChunkEvent(runID, task, "llm", "SUCCEEDED", time.Since(started), max0(result.AttemptsUsed-1), workerIdx, nil)
}

func (o *Orchestrator) embedWorker(ctx context.Context, wg *sync.WaitGroup, runID string, workerIdx int, in <-chan string, out chan<- string, tracker *progressTracker, embedDrain, upsertDrain *sync.WaitGroup) {
	defer wg.Done()
	for taskID := range in {
		if taskID == stopSignal {
			return
		}
		o.runEmbedTask(ctx, runID, workerIdx, taskID, out, tracker, embedDrain, upsertDrain)
	}
}

func (o *Orchestrator) runEmbedTask(ctx context.Context, runID string, workerIdx int, taskID string, out chan<- string, tracker *progressTracker, embedDrain, upsertDrain *sync.WaitGroup) {
	defer embedDrain.Done()
	started := time.Now()
	if err := o.repo.MarkStageRunning(ctx, taskID, "embed"); err != nil {
		o.logChunkEvent(runID, kbmodel.TaskPayload{TaskID: taskID}, "embed", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	task, err := o.repo.LoadTaskPayload(ctx, taskID)
	if err != nil {
		o.logChunkEvent(runID, kbmodel.TaskPayload{TaskID: taskID}, "embed", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	tracker.stageStart(task, "embed")

	combinedText, err := store.CombinedTextFromStruct(task.RawText, task.StructuredJSON)
	if err != nil {
		verr := &pipelineerr.ValidationError{Msg: err.Error()}
		_ = o.repo.SaveStageFailure(context.WithoutCancel(ctx), taskID, "embed", verr.Error(), 1)
		tracker.stageDone(task, "embed", false)
		o.logChunkEvent(runID, task, "embed", "FAILED", time.Since(started), 0, workerIdx, verr)
		return
	}

	result, err := o.embed.Embed(ctx, combinedText)
	if err != nil {
		_ = o.repo.SaveStageFailure(context.WithoutCancel(ctx), taskID, "embed", err.Error(), 1)
		tracker.stageDone(task, "embed", false)
		o.logChunkEvent(runID, task, "embed", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	if err := o.repo.SaveEmbedSuccess(ctx, taskID, result); err != nil {
		_ = o.repo.SaveStageFailure(context.WithoutCancel(ctx), taskID, "embed", err.Error(), 1)
		tracker.stageDone(task, "embed", false)
		o.logChunkEvent(runID, task, "embed", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	upsertDrain.Add(1)
	out <- taskID
	tracker.stageDone(task, "embed", true)
	o.logChunkEvent(runID, task, "embed", "SUCCEEDED", time.Since(started), max0(result.AttemptsUsed-1), workerIdx, nil)
}

func (o *Orchestrator) upsertWorker(ctx context.Context, wg *sync.WaitGroup, runID string, workerIdx int, in <-chan string, tracker *progressTracker, upsertDrain *sync.WaitGroup) {
	defer wg.Done()
	for taskID := range in {
		if taskID == stopSignal {
			return
		}
		o.runUpsertTask(ctx, runID, workerIdx, taskID, tracker, upsertDrain)
	}
}

func (o *Orchestrator) runUpsertTask(ctx context.Context, runID string, workerIdx int, taskID string, tracker *progressTracker, upsertDrain *sync.WaitGroup) {
	defer upsertDrain.Done()
	started := time.Now()
	if err := o.repo.MarkStageRunning(ctx, taskID, "upsert"); err != nil {
		o.logChunkEvent(runID, kbmodel.TaskPayload{TaskID: taskID}, "upsert", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	task, err := o.repo.LoadTaskPayload(ctx, taskID)
	if err != nil {
		o.logChunkEvent(runID, kbmodel.TaskPayload{TaskID: taskID}, "upsert", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	tracker.stageStart(task, "upsert")

	if task.StructuredJSON == nil || len(task.Embedding) == 0 {
		verr := &pipelineerr.ValidationError{Msg: "task missing structured_json or embedding for upsert"}
		_ = o.repo.SaveStageFailure(context.WithoutCancel(ctx), taskID, "upsert", verr.Error(), 1)
		tracker.stageDone(task, "upsert", false)
		o.logChunkEvent(runID, task, "upsert", "FAILED", time.Since(started), 0, workerIdx, verr)
		return
	}

	result := kbmodel.UpsertStageResult{
		TaskID:         taskID,
		LLMModel:       o.settings.ExtractionModel,
		EmbeddingModel: o.settings.EmbeddingModel,
	}
	if err := o.repo.SaveUpsertSuccess(ctx, taskID, result); err != nil {
		_ = o.repo.SaveStageFailure(context.WithoutCancel(ctx), taskID, "upsert", err.Error(), 1)
		tracker.stageDone(task, "upsert", false)
		o.logChunkEvent(runID, task, "upsert", "FAILED", time.Since(started), 0, workerIdx, err)
		return
	}
	tracker.stageDone(task, "upsert", true)
	o.logChunkEvent(runID, task, "upsert", "SUCCEEDED", time.Since(started), 0, workerIdx, nil)
}
