// Package kbmodel holds the data model shared by the planner, the
// repository, and the orchestrator: run/task/chunk state machines and
// the plan/payload value types that flow between them.
package kbmodel

import "time"

// ContextMode is how much surrounding text a chunk's extraction request
// carries alongside its own text.
type ContextMode string

const (
	ContextModeFullDoc           ContextMode = "FULL_DOC"
	ContextModeSurroundingChunks ContextMode = "SURROUNDING_CHUNKS"
)

// StageStatus is the per-stage state of one task.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
)

// FinalStatus is the derived, task-level verdict.
type FinalStatus string

const (
	FinalPending   FinalStatus = "PENDING"
	FinalCompleted FinalStatus = "COMPLETED"
	FinalFailed    FinalStatus = "FAILED"
)

// RunStatus is the lifecycle state of one execution attempt.
type RunStatus string

const (
	RunPending         RunStatus = "PENDING"
	RunRunning         RunStatus = "RUNNING"
	RunPartialFailure  RunStatus = "PARTIAL_FAILURE"
	RunFailed          RunStatus = "FAILED"
	RunCompleted       RunStatus = "COMPLETED"
	RunCancelled       RunStatus = "CANCELLED"
)

// SourceKind is the original document's format.
type SourceKind string

const (
	SourceHTML SourceKind = "HTML"
	SourcePDF  SourceKind = "PDF"
)

// RunConfig is the frozen configuration a run is created with. It is
// stored alongside the run row as a record of the settings the plan was
// built with and is returned by Status. It is not read back when a run
// is resumed: resume and retry-failed take their settings from the
// current environment and flags.
type RunConfig struct {
	TokenizerScheme        string
	ChunkSize              int
	ChunkOverlap           int
	FullDocThresholdTokens int
	ExtractionModel        string
	EmbeddingModel         string
	LLMConcurrency         int
	EmbedConcurrency       int
	UpsertConcurrency      int
	RequestRetries         int
	RequestTimeoutSeconds  int
	LLMValidationRetries   int
}

// Source is a logical document in the corpus.
type Source struct {
	SourceID      string
	Title         string
	Authority     string
	Kind          SourceKind
	SourceURL     string
	TextPath      string
	MarkdownPath  string
	ContentSHA256 string
	CharCount     int
	TokenCount    int
	Active        bool
}

// SourcePlan is the planner's per-source output: the source metadata
// plus the document hash the plan was computed over.
type SourcePlan struct {
	Source     Source
	DocSHA256  string
	DocTokens  int
	ChunkCount int
}

// ChunkTaskPlan is one chunk's planned task, before persistence assigns
// it a run-scoped id.
type ChunkTaskPlan struct {
	SourceID           string
	ChunkIndex         int
	ChunkCount         int
	RawText            string
	RawTextSHA256      string
	ChunkTokenCount    int
	DocTokenCount      int
	ContextMode        ContextMode
	ContextWindowStart int
	ContextWindowEnd   int
	ContextText        string
}

// PlanningResult is the Planner's pure, I/O-local output: suitable for
// a dry-run print and as the input to Repository.CreateRunFromPlan.
type PlanningResult struct {
	ManifestSHA256 string
	Sources        []SourcePlan
	Tasks          []ChunkTaskPlan
	Summary        PlanSummary
}

// PlanSummary is a human-facing rollup printed by the `plan` subcommand.
type PlanSummary struct {
	SourceCount     int
	ChunkCount      int
	Config          RunConfig
	PerSourceCounts map[string]int
}

// TaskPayload is everything a stage client needs to process one chunk;
// it is loaded fresh from the repository immediately before a stage
// call so a client never holds state across a suspension point. The
// embed and upsert stages additionally need the prior stage's output,
// so those fields are carried here too, populated whenever present.
type TaskPayload struct {
	TaskID             string
	RunID              string
	SourceID           string
	SourceTitle        string
	SourceURL          string
	ChunkIndex         int
	ChunkCount         int
	RawText            string
	RawTextSHA256      string
	ChunkTokenCount    int
	DocTokenCount      int
	ContextMode        ContextMode
	ContextWindowStart int
	ContextWindowEnd   int
	ContextText        string
	StructuredJSON     *KbStructureOutput
	StructuredText     string
	Embedding          []float32
}

// KbStructureOutput is the structured-extraction service's strict
// output contract (spec §6). Extra keys are forbidden; unmarshaling
// must reject them.
type KbStructureOutput struct {
	SourceTitle      string   `json:"source_title"`
	SourceURL        string   `json:"source_url"`
	ArticleNo        string   `json:"article_no"`
	ShortDescription string   `json:"short_description"`
	Consequences     *string  `json:"consequences"`
	PossibleReasons  []string `json:"possible_reasons"`
	CitationQuote    string   `json:"citation_quote"`
	CitationSection  *string  `json:"citation_section"`
}

// LLMStageResult is what the extraction client returns on success.
type LLMStageResult struct {
	TaskID         string
	StructuredJSON KbStructureOutput
	StructuredText string
	AttemptsUsed   int
}

// EmbedStageResult is what the embedding client returns on success.
type EmbedStageResult struct {
	TaskID       string
	Embedding    []float32
	AttemptsUsed int
}

// UpsertStageResult records which models produced the persisted chunk.
type UpsertStageResult struct {
	TaskID         string
	LLMModel       string
	EmbeddingModel string
}

// Run is one execution attempt over a plan.
type Run struct {
	ID               string
	Status           RunStatus
	Config           RunConfig
	KBManifestSHA256 string
	TotalChunks      int
	CompletedChunks  int
	FailedChunks     int
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorSummary     map[string]any
}

// Task is one chunk's full lifecycle within a run.
type Task struct {
	ID                 string
	RunID              string
	SourceID           string
	ChunkIndex         int
	ChunkCount         int
	RawText            string
	RawTextSHA256      string
	ChunkTokenCount    int
	DocTokenCount      int
	ContextMode        ContextMode
	ContextWindowStart int
	ContextWindowEnd   int
	ContextText        string

	LLMStatus    StageStatus
	EmbedStatus  StageStatus
	UpsertStatus StageStatus
	FinalStatus  FinalStatus

	LLMRetryCount    int
	EmbedRetryCount  int
	UpsertRetryCount int

	LLMError    string
	EmbedError  string
	UpsertError string

	StructuredJSON *KbStructureOutput
	StructuredText string
	Embedding      []float32
	EmbeddingDim   int
}

// EarliestPendingStage returns the first stage (in llm, embed, upsert
// order) that is not yet SUCCEEDED, and false if every stage has
// succeeded (final_status is COMPLETED already).
func (t Task) EarliestPendingStage() (string, bool) {
	switch {
	case t.LLMStatus != StageSucceeded:
		return "llm", true
	case t.EmbedStatus != StageSucceeded:
		return "embed", true
	case t.UpsertStatus != StageSucceeded:
		return "upsert", true
	default:
		return "", false
	}
}
