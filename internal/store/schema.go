package store

// schemaDDL creates the ingestion tables if they do not already exist.
// It mirrors the shape of original_source's alembic migration
// (20260223_0002_kb_ingest_pipeline.py); running it is a dev/test
// convenience, not a core pipeline operation — the pipeline itself only
// ever calls AssertSchemaReady, a read-only existence check, since
// schema migration tooling is an out-of-scope external collaborator.
const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS kb_sources (
	source_id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	authority TEXT NOT NULL,
	kind TEXT NOT NULL,
	source_url TEXT NOT NULL,
	txt_path TEXT,
	md_path TEXT,
	content_sha256 TEXT NOT NULL,
	char_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kb_ingest_runs (
	id UUID PRIMARY KEY,
	status TEXT NOT NULL,
	config JSONB NOT NULL,
	kb_manifest_sha256 TEXT NOT NULL,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	completed_chunks INTEGER NOT NULL DEFAULT 0,
	failed_chunks INTEGER NOT NULL DEFAULT 0,
	error_summary JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS kb_ingest_tasks (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL REFERENCES kb_ingest_runs(id),
	source_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	raw_text TEXT NOT NULL,
	raw_text_sha256 TEXT NOT NULL,
	chunk_token_count INTEGER NOT NULL,
	doc_token_count INTEGER NOT NULL,
	context_mode TEXT NOT NULL,
	context_window_start INTEGER NOT NULL,
	context_window_end INTEGER NOT NULL,
	context_text TEXT NOT NULL,

	llm_status TEXT NOT NULL DEFAULT 'PENDING',
	embed_status TEXT NOT NULL DEFAULT 'PENDING',
	upsert_status TEXT NOT NULL DEFAULT 'PENDING',
	final_status TEXT NOT NULL DEFAULT 'PENDING',

	llm_retry_count INTEGER NOT NULL DEFAULT 0,
	embed_retry_count INTEGER NOT NULL DEFAULT 0,
	upsert_retry_count INTEGER NOT NULL DEFAULT 0,

	llm_error TEXT,
	embed_error TEXT,
	upsert_error TEXT,

	llm_started_at TIMESTAMPTZ,
	embed_started_at TIMESTAMPTZ,
	upsert_started_at TIMESTAMPTZ,

	structured_json JSONB,
	structured_text TEXT,
	embedding vector(1536),
	embedding_dim INTEGER,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	UNIQUE (run_id, source_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS kb_chunks (
	id UUID PRIMARY KEY,
	source_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	raw_text TEXT NOT NULL,
	raw_text_sha256 TEXT NOT NULL,
	context_mode TEXT NOT NULL,
	context_text TEXT NOT NULL,
	structured_json JSONB NOT NULL,
	structured_text TEXT NOT NULL,
	combined_text TEXT NOT NULL,
	llm_model TEXT NOT NULL,
	embedding_model TEXT NOT NULL,
	embedding vector(1536) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_kb_ingest_tasks_run_llm ON kb_ingest_tasks (run_id, llm_status);
CREATE INDEX IF NOT EXISTS idx_kb_ingest_tasks_run_embed ON kb_ingest_tasks (run_id, embed_status);
CREATE INDEX IF NOT EXISTS idx_kb_ingest_tasks_run_upsert ON kb_ingest_tasks (run_id, upsert_status);
CREATE INDEX IF NOT EXISTS idx_kb_ingest_tasks_run_final ON kb_ingest_tasks (run_id, final_status);
CREATE INDEX IF NOT EXISTS idx_kb_ingest_tasks_source_chunk ON kb_ingest_tasks (source_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_kb_chunks_source_chunk ON kb_chunks (source_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_kb_ingest_runs_status_created ON kb_ingest_runs (status, created_at);
`

// bootstrapDDL returns schemaDDL for Store.Bootstrap to execute. It is
// intended for local development and integration tests, never for the
// pipeline's own runtime path.
func bootstrapDDL() string { return schemaDDL }
