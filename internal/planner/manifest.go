package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/pipelineerr"
)

// manifestSource is the on-disk shape of one entry in manifest.json's
// "sources" array.
type manifestSource struct {
	SourceID  string `json:"source_id"`
	Title     string `json:"title"`
	Authority string `json:"authority"`
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	TxtPath   string `json:"txt_path"`
	MdPath    string `json:"md_path"`
}

type manifestFile struct {
	Sources []manifestSource `json:"sources"`
}

// loadManifest reads and parses manifest.json, resolving relative
// txt_path/md_path entries against the manifest's parent directory, and
// returns both the parsed sources and the raw bytes (the caller hashes
// the raw bytes for manifest_sha256 so the fingerprint covers exactly
// what was read, not a round-tripped re-encoding).
func loadManifest(path string) ([]manifestSource, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, pipelineerr.NewConfigError("read manifest %q: %v", path, err)
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, nil, pipelineerr.NewConfigError("parse manifest %q: %v", path, err)
	}
	dir := filepath.Dir(path)
	for i := range mf.Sources {
		mf.Sources[i].TxtPath = resolvePath(dir, mf.Sources[i].TxtPath)
		mf.Sources[i].MdPath = resolvePath(dir, mf.Sources[i].MdPath)
	}
	return mf.Sources, raw, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func (s manifestSource) toSource(textSHA256 string, charCount, tokenCount int) (kbmodel.Source, error) {
	kind := kbmodel.SourceKind(strings.ToUpper(s.Kind))
	if kind != kbmodel.SourceHTML && kind != kbmodel.SourcePDF {
		return kbmodel.Source{}, fmt.Errorf("source %s: unrecognized kind %q", s.SourceID, s.Kind)
	}
	return kbmodel.Source{
		SourceID:      s.SourceID,
		Title:         s.Title,
		Authority:     s.Authority,
		Kind:          kind,
		SourceURL:     s.URL,
		TextPath:      s.TxtPath,
		MarkdownPath:  s.MdPath,
		ContentSHA256: textSHA256,
		CharCount:     charCount,
		TokenCount:    tokenCount,
		Active:        true,
	}, nil
}
