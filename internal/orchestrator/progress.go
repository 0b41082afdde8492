package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/store"
)

// sourceCounters mirrors the per-source row progress_counts_by_source
// seeds, updated in place as workers start and finish stages.
type sourceCounters struct {
	Total int

	LLMRunning, LLMSucceeded, LLMFailed       int
	EmbedRunning, EmbedSucceeded, EmbedFailed int
	UpsertRunning, UpsertSucceeded, UpsertFailed int
}

// progressTracker is the single mutex-guarded map every worker reports
// into; it never touches the database, so a heartbeat tick never
// competes with a stage transition for a connection.
type progressTracker struct {
	mu      sync.Mutex
	runID   string
	sources map[string]*sourceCounters
}

func newProgressTracker(runID string, seed map[string]store.SourceProgress) *progressTracker {
	sources := make(map[string]*sourceCounters, len(seed))
	for id, p := range seed {
		sources[id] = &sourceCounters{
			Total:           p.TotalChunks,
			LLMSucceeded:    p.LLMSucceeded,
			LLMFailed:       p.LLMFailed,
			EmbedSucceeded:  p.EmbedSucceeded,
			EmbedFailed:     p.EmbedFailed,
			UpsertSucceeded: p.UpsertSucceeded,
			UpsertFailed:    p.UpsertFailed,
		}
	}
	t := &progressTracker{runID: runID, sources: sources}
	t.logInit()
	return t
}

func (t *progressTracker) logInit() {
	total := 0
	for _, c := range t.sources {
		total += c.Total
	}
	log.Info().Str("run_id", t.runID).Int("sources", len(t.sources)).Int("total_chunks", total).Msg("progress.init")
}

func (t *progressTracker) counters(sourceID string, totalHint int) *sourceCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.sources[sourceID]
	if !ok {
		c = &sourceCounters{Total: totalHint}
		t.sources[sourceID] = c
	}
	return c
}

// stageStart increments the running counter for a stage before a worker
// calls out to a remote client.
func (t *progressTracker) stageStart(task kbmodel.TaskPayload, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.unsafeCounters(task.SourceID, task.ChunkCount)
	switch stage {
	case "llm":
		c.LLMRunning++
	case "embed":
		c.EmbedRunning++
	case "upsert":
		c.UpsertRunning++
	}
}

// stageDone decrements running and increments succeeded/failed for a
// finished stage attempt.
func (t *progressTracker) stageDone(task kbmodel.TaskPayload, stage string, succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.unsafeCounters(task.SourceID, task.ChunkCount)
	switch stage {
	case "llm":
		c.LLMRunning = max0(c.LLMRunning - 1)
		if succeeded {
			c.LLMSucceeded++
		} else {
			c.LLMFailed++
		}
	case "embed":
		c.EmbedRunning = max0(c.EmbedRunning - 1)
		if succeeded {
			c.EmbedSucceeded++
		} else {
			c.EmbedFailed++
		}
	case "upsert":
		c.UpsertRunning = max0(c.UpsertRunning - 1)
		if succeeded {
			c.UpsertSucceeded++
		} else {
			c.UpsertFailed++
		}
	}
}

func (t *progressTracker) unsafeCounters(sourceID string, totalHint int) *sourceCounters {
	c, ok := t.sources[sourceID]
	if !ok {
		c = &sourceCounters{Total: totalHint}
		t.sources[sourceID] = c
	}
	return c
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// heartbeat logs one line per source with active work, skipping sources
// that are either untouched or fully upserted.
func (t *progressTracker) heartbeat() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sources))
	for id := range t.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	type row struct {
		id                                         string
		llmDone, embedDone, upsertDone             int
		llmRunning, embedRunning, upsertRunning     int
		total                                       int
	}
	var rows []row
	for _, id := range ids {
		c := t.sources[id]
		llmDone := c.LLMSucceeded + c.LLMFailed
		embedDone := c.EmbedSucceeded + c.EmbedFailed
		upsertDone := c.UpsertSucceeded + c.UpsertFailed
		hasActivity := c.LLMRunning > 0 || c.EmbedRunning > 0 || c.UpsertRunning > 0 ||
			llmDone > 0 || embedDone > 0 || upsertDone > 0
		isComplete := c.Total > 0 && upsertDone >= c.Total
		if hasActivity && !isComplete {
			rows = append(rows, row{id, llmDone, embedDone, upsertDone, c.LLMRunning, c.EmbedRunning, c.UpsertRunning, c.Total})
		}
	}
	t.mu.Unlock()

	if len(rows) == 0 {
		return
	}
	ev := log.Info().Str("run_id", t.runID)
	for _, r := range rows {
		summary := fmt.Sprintf(
			"llm=%d/%d(running=%d) embed=%d/%d(running=%d) upsert=%d/%d(running=%d)",
			r.llmDone, r.total, r.llmRunning, r.embedDone, r.total, r.embedRunning, r.upsertDone, r.total, r.upsertRunning,
		)
		ev = ev.Str(r.id, summary)
	}
	ev.Msg("progress.heartbeat")
}
