// Package store is the transactional Repository (spec C3): it persists
// run/source/task rows, performs atomic per-stage state transitions,
// seeds resume queues, and durably upserts finished chunks. Every
// stage update is a single statement filtered by primary key and
// committed immediately; no cross-task locking is used.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/pipelineerr"
)

// maxErrorLen is the truncation bound for a stage error string, per
// spec §4.3's save_<stage>_failure contract.
const maxErrorLen = 2000

// Store is the Repository implementation backed by Postgres + pgvector.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Bootstrap creates the ingestion tables if they do not exist. It is a
// development/test convenience, never called from the run/resume/
// retry-failed paths — AssertSchemaReady is the runtime check.
func (s *Store) Bootstrap(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, bootstrapDDL())
	return err
}

// AssertSchemaReady returns quickly if the ingestion tables exist,
// otherwise fails with a SchemaNotReadyError. It never creates or
// alters schema — migration is an external collaborator.
func (s *Store) AssertSchemaReady(ctx context.Context) error {
	const q = `SELECT to_regclass('public.kb_ingest_runs'), to_regclass('public.kb_ingest_tasks'), to_regclass('public.kb_chunks')`
	var runs, tasks, chunks *string
	if err := s.pool.QueryRow(ctx, q).Scan(&runs, &tasks, &chunks); err != nil {
		return &pipelineerr.PersistenceError{Op: "assert_schema_ready", Err: err}
	}
	if runs == nil || tasks == nil || chunks == nil {
		return &pipelineerr.SchemaNotReadyError{Msg: "kb_ingest_runs/kb_ingest_tasks/kb_chunks not found"}
	}
	return nil
}

// CreateRunFromPlan inserts the run row, upserts each source, and
// inserts every task in one transaction, all-or-nothing.
func (s *Store) CreateRunFromPlan(ctx context.Context, plan kbmodel.PlanningResult, cfg kbmodel.RunConfig) (string, error) {
	runID := uuid.NewString()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", &pipelineerr.PersistenceError{Op: "create_run_from_plan.begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO kb_ingest_runs (id, status, config, kb_manifest_sha256, total_chunks)
VALUES ($1, 'PENDING', $2, $3, $4)`,
		runID, cfgJSON, plan.ManifestSHA256, len(plan.Tasks))
	if err != nil {
		return "", &pipelineerr.PersistenceError{Op: "create_run_from_plan.insert_run", Err: err}
	}

	for _, sp := range plan.Sources {
		_, err = tx.Exec(ctx, `
INSERT INTO kb_sources (source_id, title, authority, kind, source_url, txt_path, md_path, content_sha256, char_count, token_count, active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true)
ON CONFLICT (source_id) DO UPDATE SET
	title=EXCLUDED.title, authority=EXCLUDED.authority, kind=EXCLUDED.kind,
	source_url=EXCLUDED.source_url, txt_path=EXCLUDED.txt_path, md_path=EXCLUDED.md_path,
	content_sha256=EXCLUDED.content_sha256, char_count=EXCLUDED.char_count,
	token_count=EXCLUDED.token_count, active=true, updated_at=now()`,
			sp.Source.SourceID, sp.Source.Title, sp.Source.Authority, string(sp.Source.Kind),
			sp.Source.SourceURL, sp.Source.TextPath, sp.Source.MarkdownPath,
			sp.Source.ContentSHA256, sp.Source.CharCount, sp.Source.TokenCount)
		if err != nil {
			return "", &pipelineerr.PersistenceError{Op: "create_run_from_plan.upsert_source", Err: err}
		}
	}

	for _, t := range plan.Tasks {
		taskID := uuid.NewString()
		_, err = tx.Exec(ctx, `
INSERT INTO kb_ingest_tasks (
	id, run_id, source_id, chunk_index, chunk_count, raw_text, raw_text_sha256,
	chunk_token_count, doc_token_count, context_mode, context_window_start, context_window_end, context_text
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			taskID, runID, t.SourceID, t.ChunkIndex, t.ChunkCount, t.RawText, t.RawTextSHA256,
			t.ChunkTokenCount, t.DocTokenCount, string(t.ContextMode), t.ContextWindowStart, t.ContextWindowEnd, t.ContextText)
		if err != nil {
			return "", &pipelineerr.PersistenceError{Op: "create_run_from_plan.insert_task", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", &pipelineerr.PersistenceError{Op: "create_run_from_plan.commit", Err: err}
	}
	return runID, nil
}

// MarkRunStarted sets status=RUNNING and started_at := coalesce(existing, now()).
func (s *Store) MarkRunStarted(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE kb_ingest_runs SET status='RUNNING', started_at=coalesce(started_at, now()) WHERE id=$1`, runID)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "mark_run_started", Err: err}
	}
	return nil
}

// CancelRun sets status=CANCELLED and records reason in error summary.
func (s *Store) CancelRun(ctx context.Context, runID, reason string) error {
	summary, _ := json.Marshal(map[string]string{"cancel_reason": reason})
	_, err := s.pool.Exec(ctx, `UPDATE kb_ingest_runs SET status='CANCELLED', error_summary=$2 WHERE id=$1`, runID, summary)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "cancel_run", Err: err}
	}
	return nil
}

// QueueSeed reads all tasks of the run ordered by (source_id,
// chunk_index) and partitions them: tasks with final_status=COMPLETED
// are skipped; everything else routes to the queue for its earliest
// non-SUCCEEDED stage. When failedOnly is true (retry-failed), a task
// is only queued when that stage is FAILED — PENDING/RUNNING tasks are
// left for a later plain resume.
func (s *Store) QueueSeed(ctx context.Context, runID string, failedOnly bool) (llmIDs, embedIDs, upsertIDs []string, err error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, llm_status, embed_status, upsert_status, final_status
FROM kb_ingest_tasks WHERE run_id=$1 ORDER BY source_id, chunk_index`, runID)
	if err != nil {
		return nil, nil, nil, &pipelineerr.PersistenceError{Op: "queue_seed.query", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id, llmStatus, embedStatus, upsertStatus, finalStatus string
		if err := rows.Scan(&id, &llmStatus, &embedStatus, &upsertStatus, &finalStatus); err != nil {
			return nil, nil, nil, &pipelineerr.PersistenceError{Op: "queue_seed.scan", Err: err}
		}
		if finalStatus == string(kbmodel.FinalCompleted) {
			continue
		}
		task := kbmodel.Task{
			LLMStatus:    kbmodel.StageStatus(llmStatus),
			EmbedStatus:  kbmodel.StageStatus(embedStatus),
			UpsertStatus: kbmodel.StageStatus(upsertStatus),
		}
		stage, ok := task.EarliestPendingStage()
		if !ok {
			continue
		}
		var stageStatus kbmodel.StageStatus
		switch stage {
		case "llm":
			stageStatus = task.LLMStatus
		case "embed":
			stageStatus = task.EmbedStatus
		case "upsert":
			stageStatus = task.UpsertStatus
		}
		if failedOnly && stageStatus != kbmodel.StageFailed {
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
	if err := rows.Err(); err != nil {
		return nil, nil, nil, &pipelineerr.PersistenceError{Op: "queue_seed.rows", Err: err}
	}
	return llmIDs, embedIDs, upsertIDs, nil
}

// LoadTaskPayload loads everything a stage client needs for one chunk,
// including the prior stage's output when present (structured_json for
// the embed stage, embedding for the upsert stage).
func (s *Store) LoadTaskPayload(ctx context.Context, taskID string) (kbmodel.TaskPayload, error) {
	const q = `
SELECT t.id, t.run_id, t.source_id, s.title, s.source_url, t.chunk_index, t.chunk_count,
       t.raw_text, t.raw_text_sha256, t.chunk_token_count, t.doc_token_count, t.context_mode,
       t.context_window_start, t.context_window_end, t.context_text,
       t.structured_json, t.structured_text,
       CASE WHEN t.embedding IS NULL THEN NULL ELSE t.embedding::text END
FROM kb_ingest_tasks t JOIN kb_sources s ON s.source_id = t.source_id
WHERE t.id = $1`
	var p kbmodel.TaskPayload
	var contextMode string
	var structuredJSON []byte
	var structuredText *string
	var embeddingText *string
	err := s.pool.QueryRow(ctx, q, taskID).Scan(
		&p.TaskID, &p.RunID, &p.SourceID, &p.SourceTitle, &p.SourceURL, &p.ChunkIndex, &p.ChunkCount,
		&p.RawText, &p.RawTextSHA256, &p.ChunkTokenCount, &p.DocTokenCount, &contextMode,
		&p.ContextWindowStart, &p.ContextWindowEnd, &p.ContextText,
		&structuredJSON, &structuredText, &embeddingText)
	if err != nil {
		return kbmodel.TaskPayload{}, &pipelineerr.PersistenceError{Op: "load_task_payload", Err: err}
	}
	p.ContextMode = kbmodel.ContextMode(contextMode)
	if len(structuredJSON) > 0 {
		var out kbmodel.KbStructureOutput
		if err := json.Unmarshal(structuredJSON, &out); err == nil {
			p.StructuredJSON = &out
		}
	}
	if structuredText != nil {
		p.StructuredText = *structuredText
	}
	if embeddingText != nil {
		if vec, err := parseVectorText(*embeddingText); err == nil {
			p.Embedding = vec
		}
	}
	return p, nil
}

// MarkStageRunning sets the named stage's status to RUNNING, records
// its start time, and clears its error. Idempotent-safe under retries.
func (s *Store) MarkStageRunning(ctx context.Context, taskID, stage string) error {
	col, startCol, err := stageColumns(stage)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE kb_ingest_tasks SET %s='RUNNING', %s=now(), %s_error=NULL, updated_at=now() WHERE id=$1`, col, startCol, stage)
	if _, err := s.pool.Exec(ctx, q, taskID); err != nil {
		return &pipelineerr.PersistenceError{Op: "mark_" + stage + "_running", Err: err}
	}
	return nil
}

func stageColumns(stage string) (statusCol, startCol string, err error) {
	switch stage {
	case "llm":
		return "llm_status", "llm_started_at", nil
	case "embed":
		return "embed_status", "embed_started_at", nil
	case "upsert":
		return "upsert_status", "upsert_started_at", nil
	default:
		return "", "", fmt.Errorf("unknown stage %q", stage)
	}
}

// SaveLLMSuccess records a successful extraction. Downstream stages are
// reset to PENDING unless already SUCCEEDED (see DESIGN.md Open Question
// 2: upsert_status can never already be SUCCEEDED here in a normal
// sequential pipeline, but the check is preserved from the source), and
// final_status is reset to PENDING unless upsert had already succeeded —
// a task retried after an earlier FAILED stage must not keep reporting
// FAILED once every stage it ran is clean.
func (s *Store) SaveLLMSuccess(ctx context.Context, taskID string, result kbmodel.LLMStageResult) error {
	structuredJSON, err := json.Marshal(result.StructuredJSON)
	if err != nil {
		return fmt.Errorf("marshal structured_json: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
UPDATE kb_ingest_tasks SET
	llm_status='SUCCEEDED', llm_error=NULL, llm_retry_count=$2,
	structured_json=$3, structured_text=$4,
	embed_status = CASE WHEN embed_status='SUCCEEDED' THEN embed_status ELSE 'PENDING' END,
	upsert_status = CASE WHEN upsert_status='SUCCEEDED' THEN upsert_status ELSE 'PENDING' END,
	final_status = CASE WHEN upsert_status='SUCCEEDED' THEN 'COMPLETED' ELSE 'PENDING' END,
	updated_at=now()
WHERE id=$1`, taskID, result.AttemptsUsed-1, structuredJSON, result.StructuredText)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "save_llm_success", Err: err}
	}
	return nil
}

// SaveEmbedSuccess writes the vector and its dimension, resetting
// upsert_status and final_status to PENDING on the same retried-after-
// failure terms as SaveLLMSuccess.
func (s *Store) SaveEmbedSuccess(ctx context.Context, taskID string, result kbmodel.EmbedStageResult) error {
	lit := vectorLiteral(result.Embedding)
	_, err := s.pool.Exec(ctx, `
UPDATE kb_ingest_tasks SET
	embed_status='SUCCEEDED', embed_error=NULL, embed_retry_count=$2,
	embedding=$3::vector, embedding_dim=$4,
	upsert_status = CASE WHEN upsert_status='SUCCEEDED' THEN upsert_status ELSE 'PENDING' END,
	final_status = CASE WHEN upsert_status='SUCCEEDED' THEN 'COMPLETED' ELSE 'PENDING' END,
	updated_at=now()
WHERE id=$1`, taskID, result.AttemptsUsed-1, lit, len(result.Embedding))
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "save_embed_success", Err: err}
	}
	return nil
}

// SaveUpsertSuccess performs the durable upsert into kb_chunks keyed on
// (source_id, chunk_index) and sets upsert_status=SUCCEEDED,
// final_status=COMPLETED, in one transaction — a crashed upsert must
// never leave a visible chunk without a completed task, or vice versa.
func (s *Store) SaveUpsertSuccess(ctx context.Context, taskID string, result kbmodel.UpsertStageResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "save_upsert_success.begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sourceID string
	var chunkIndex, chunkCount int
	var rawText, rawTextSHA256, contextMode, contextText, structuredText string
	var structuredJSON []byte
	var embeddingText string
	err = tx.QueryRow(ctx, `
SELECT source_id, chunk_index, chunk_count, raw_text, raw_text_sha256, context_mode, context_text,
       structured_json, structured_text, embedding::text
FROM kb_ingest_tasks WHERE id=$1`, taskID).Scan(
		&sourceID, &chunkIndex, &chunkCount, &rawText, &rawTextSHA256, &contextMode, &contextText,
		&structuredJSON, &structuredText, &embeddingText)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "save_upsert_success.load_task", Err: err}
	}

	// Decode and re-encode through the struct so the stored combined text
	// matches the embed stage's byte for byte; jsonb does not keep the
	// key order the struct marshals in.
	var structured kbmodel.KbStructureOutput
	if err := json.Unmarshal(structuredJSON, &structured); err != nil {
		return &pipelineerr.PersistenceError{Op: "save_upsert_success.decode_structured", Err: err}
	}
	combinedText, err := CombinedTextFromStruct(rawText, &structured)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "save_upsert_success.combined_text", Err: err}
	}
	lit := embeddingText

	_, err = tx.Exec(ctx, `
INSERT INTO kb_chunks (id, source_id, chunk_index, chunk_count, raw_text, raw_text_sha256,
	context_mode, context_text, structured_json, structured_text, combined_text,
	llm_model, embedding_model, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::vector)
ON CONFLICT (source_id, chunk_index) DO UPDATE SET
	chunk_count=EXCLUDED.chunk_count, raw_text=EXCLUDED.raw_text, raw_text_sha256=EXCLUDED.raw_text_sha256,
	context_mode=EXCLUDED.context_mode, context_text=EXCLUDED.context_text,
	structured_json=EXCLUDED.structured_json, structured_text=EXCLUDED.structured_text,
	combined_text=EXCLUDED.combined_text, llm_model=EXCLUDED.llm_model,
	embedding_model=EXCLUDED.embedding_model, embedding=EXCLUDED.embedding, updated_at=now()`,
		uuid.NewString(), sourceID, chunkIndex, chunkCount, rawText, rawTextSHA256,
		contextMode, contextText, structuredJSON, structuredText, combinedText,
		result.LLMModel, result.EmbeddingModel, lit)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "save_upsert_success.upsert_chunk", Err: err}
	}

	_, err = tx.Exec(ctx, `
UPDATE kb_ingest_tasks SET upsert_status='SUCCEEDED', upsert_error=NULL, final_status='COMPLETED', updated_at=now()
WHERE id=$1`, taskID)
	if err != nil {
		return &pipelineerr.PersistenceError{Op: "save_upsert_success.mark_task", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &pipelineerr.PersistenceError{Op: "save_upsert_success.commit", Err: err}
	}
	return nil
}

// SaveStageFailure sets the named stage to FAILED and final_status to
// FAILED — any stage failure is terminal for the task (see DESIGN.md
// Open Question 1, confirmed against the source behavior).
func (s *Store) SaveStageFailure(ctx context.Context, taskID, stage, errMsg string, attemptsUsed int) error {
	statusCol, _, err := stageColumns(stage)
	if err != nil {
		return err
	}
	errorCol := stage + "_error"
	retryCol := stage + "_retry_count"
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	q := fmt.Sprintf(`
UPDATE kb_ingest_tasks SET %s='FAILED', %s=$2, %s=$3, final_status='FAILED', updated_at=now()
WHERE id=$1`, statusCol, errorCol, retryCol)
	if _, err := s.pool.Exec(ctx, q, taskID, errMsg, attemptsUsed-1); err != nil {
		return &pipelineerr.PersistenceError{Op: "save_" + stage + "_failure", Err: err}
	}
	return nil
}

// FinalizeRun aggregates per-task counts into the run's final status
// and writes counters, completed_at, and a per-stage failure summary.
func (s *Store) FinalizeRun(ctx context.Context, runID string) (kbmodel.RunStatus, error) {
	var total, completed, failed, pending int
	err := s.pool.QueryRow(ctx, `
SELECT count(*),
       count(*) FILTER (WHERE final_status='COMPLETED'),
       count(*) FILTER (WHERE final_status='FAILED'),
       count(*) FILTER (WHERE final_status='PENDING')
FROM kb_ingest_tasks WHERE run_id=$1`, runID).Scan(&total, &completed, &failed, &pending)
	if err != nil {
		return "", &pipelineerr.PersistenceError{Op: "finalize_run.count", Err: err}
	}

	status := deriveRunStatus(total, completed, failed, pending)

	errorSummary, err := s.stageFailureSummary(ctx, runID)
	if err != nil {
		return "", err
	}

	_, err = s.pool.Exec(ctx, `
UPDATE kb_ingest_runs SET
	status=$2, completed_chunks=$3, failed_chunks=$4, error_summary=$5, completed_at=now()
WHERE id=$1`, runID, string(status), completed, failed, errorSummary)
	if err != nil {
		return "", &pipelineerr.PersistenceError{Op: "finalize_run.update", Err: err}
	}
	return status, nil
}

// deriveRunStatus implements spec §4.3's finalization status rule
// exactly, including its ordering: a run with both completions and
// pending tasks is PARTIAL_FAILURE even if it has zero failed tasks,
// reflecting that it did not run to exhaustion.
func deriveRunStatus(total, completed, failed, pending int) kbmodel.RunStatus {
	switch {
	case total > 0 && completed == total:
		return kbmodel.RunCompleted
	case completed > 0 && failed > 0:
		return kbmodel.RunPartialFailure
	case failed == total && total > 0:
		return kbmodel.RunFailed
	case completed > 0 && pending > 0:
		return kbmodel.RunPartialFailure
	case failed > 0:
		return kbmodel.RunFailed
	default:
		return kbmodel.RunRunning
	}
}

func (s *Store) stageFailureSummary(ctx context.Context, runID string) ([]byte, error) {
	rows, err := s.pool.Query(ctx, `
SELECT 'llm', count(*) FROM kb_ingest_tasks WHERE run_id=$1 AND llm_status='FAILED'
UNION ALL
SELECT 'embed', count(*) FROM kb_ingest_tasks WHERE run_id=$1 AND embed_status='FAILED'
UNION ALL
SELECT 'upsert', count(*) FROM kb_ingest_tasks WHERE run_id=$1 AND upsert_status='FAILED'`, runID)
	if err != nil {
		return nil, &pipelineerr.PersistenceError{Op: "finalize_run.stage_summary", Err: err}
	}
	defer rows.Close()
	summary := map[string]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, &pipelineerr.PersistenceError{Op: "finalize_run.stage_summary_scan", Err: err}
		}
		summary[stage] = n
	}
	return json.Marshal(summary)
}

// StageCounters is the per-stage breakdown status() reports.
type StageCounters struct {
	Pending   int
	Running   int
	Succeeded int
	Failed    int
}

// FailingTaskSample is one row of a Status() failure sample.
type FailingTaskSample struct {
	TaskID     string
	SourceID   string
	ChunkIndex int
	Stage      string
	Error      string
}

// StatusResult is the Repository's answer to the `status` subcommand.
type StatusResult struct {
	Run          kbmodel.Run
	LLM          StageCounters
	Embed        StageCounters
	Upsert       StageCounters
	FailedTasks  []FailingTaskSample
}

// Status returns the run row, per-stage counters, and a small sample of
// failing task rows.
func (s *Store) Status(ctx context.Context, runID string) (StatusResult, error) {
	var out StatusResult
	var cfgJSON, errSummaryJSON []byte
	var status string
	var startedAt, completedAt *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT status, config, kb_manifest_sha256, total_chunks, completed_chunks, failed_chunks,
       created_at, started_at, completed_at, error_summary
FROM kb_ingest_runs WHERE id=$1`, runID).Scan(
		&status, &cfgJSON, &out.Run.KBManifestSHA256, &out.Run.TotalChunks, &out.Run.CompletedChunks,
		&out.Run.FailedChunks, &out.Run.CreatedAt, &startedAt, &completedAt, &errSummaryJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return StatusResult{}, &pipelineerr.PersistenceError{Op: "status", Err: fmt.Errorf("run %s not found", runID)}
		}
		return StatusResult{}, &pipelineerr.PersistenceError{Op: "status.query_run", Err: err}
	}
	out.Run.ID = runID
	out.Run.Status = kbmodel.RunStatus(status)
	out.Run.StartedAt = startedAt
	out.Run.CompletedAt = completedAt
	_ = json.Unmarshal(cfgJSON, &out.Run.Config)
	if len(errSummaryJSON) > 0 {
		_ = json.Unmarshal(errSummaryJSON, &out.Run.ErrorSummary)
	}

	for _, stage := range []struct {
		name string
		dst  *StageCounters
	}{{"llm", &out.LLM}, {"embed", &out.Embed}, {"upsert", &out.Upsert}} {
		q := fmt.Sprintf(`
SELECT
  count(*) FILTER (WHERE %s_status='PENDING'),
  count(*) FILTER (WHERE %s_status='RUNNING'),
  count(*) FILTER (WHERE %s_status='SUCCEEDED'),
  count(*) FILTER (WHERE %s_status='FAILED')
FROM kb_ingest_tasks WHERE run_id=$1`, stage.name, stage.name, stage.name, stage.name)
		if err := s.pool.QueryRow(ctx, q, runID).Scan(&stage.dst.Pending, &stage.dst.Running, &stage.dst.Succeeded, &stage.dst.Failed); err != nil {
			return StatusResult{}, &pipelineerr.PersistenceError{Op: "status.stage_counters", Err: err}
		}
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, source_id, chunk_index,
       CASE WHEN llm_status='FAILED' THEN 'llm' WHEN embed_status='FAILED' THEN 'embed' ELSE 'upsert' END AS stage,
       coalesce(nullif(llm_error,''), nullif(embed_error,''), nullif(upsert_error,''), '')
FROM kb_ingest_tasks
WHERE run_id=$1 AND final_status='FAILED'
ORDER BY source_id, chunk_index
LIMIT 20`, runID)
	if err != nil {
		return StatusResult{}, &pipelineerr.PersistenceError{Op: "status.failed_sample", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var f FailingTaskSample
		if err := rows.Scan(&f.TaskID, &f.SourceID, &f.ChunkIndex, &f.Stage, &f.Error); err != nil {
			return StatusResult{}, &pipelineerr.PersistenceError{Op: "status.failed_sample_scan", Err: err}
		}
		out.FailedTasks = append(out.FailedTasks, f)
	}
	return out, nil
}

// SourceProgress is the seed state the in-memory progress monitor
// initializes from, per source, broken down by stage so a resumed run
// reports accurate heartbeat lines from its first tick.
type SourceProgress struct {
	TotalChunks    int
	LLMSucceeded   int
	LLMFailed      int
	EmbedSucceeded int
	EmbedFailed    int
	UpsertSucceeded int
	UpsertFailed   int
}

// ProgressCountsBySource returns per-source, per-stage grouped counters
// used to seed in-memory progress on a resumed run.
func (s *Store) ProgressCountsBySource(ctx context.Context, runID string) (map[string]SourceProgress, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source_id, count(*),
       count(*) FILTER (WHERE llm_status='SUCCEEDED'),
       count(*) FILTER (WHERE llm_status='FAILED'),
       count(*) FILTER (WHERE embed_status='SUCCEEDED'),
       count(*) FILTER (WHERE embed_status='FAILED'),
       count(*) FILTER (WHERE upsert_status='SUCCEEDED'),
       count(*) FILTER (WHERE upsert_status='FAILED')
FROM kb_ingest_tasks WHERE run_id=$1 GROUP BY source_id`, runID)
	if err != nil {
		return nil, &pipelineerr.PersistenceError{Op: "progress_counts_by_source", Err: err}
	}
	defer rows.Close()
	out := map[string]SourceProgress{}
	for rows.Next() {
		var sourceID string
		var p SourceProgress
		if err := rows.Scan(&sourceID, &p.TotalChunks, &p.LLMSucceeded, &p.LLMFailed,
			&p.EmbedSucceeded, &p.EmbedFailed, &p.UpsertSucceeded, &p.UpsertFailed); err != nil {
			return nil, &pipelineerr.PersistenceError{Op: "progress_counts_by_source.scan", Err: err}
		}
		out[sourceID] = p
	}
	return out, nil
}
