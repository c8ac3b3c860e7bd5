// Package state persists per-test-case seed state (state/corpus_used.json).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the state file name inside a test case's state directory.
const FileName = "corpus_used.json"

// Document records one uploaded corpus file.
type Document struct {
	CorpusPath string `json:"corpus_path"`
	DocumentID string `json:"document_id"`
}

// SeedState is the persisted record of what was uploaded for a test case.
type SeedState struct {
	HasUploaded bool       `json:"hasUploaded"`
	Documents   []Document `json:"documents"`
	SeededAt    string     `json:"seeded_at,omitempty"`

	// CorpusFingerprint hashes the corpus path list the documents were
	// seeded from. Empty for states written before fingerprints existed.
	CorpusFingerprint string `json:"corpus_fingerprint,omitempty"`
}

// DocumentIDs returns document ids in upload order.
func (s *SeedState) DocumentIDs() []string {
	ids := make([]string, 0, len(s.Documents))
	for _, d := range s.Documents {
		ids = append(ids, d.DocumentID)
	}
	return ids
}

// PathByID maps document id to corpus path.
func (s *SeedState) PathByID() map[string]string {
	m := make(map[string]string, len(s.Documents))
	for _, d := range s.Documents {
		m[d.DocumentID] = d.CorpusPath
	}
	return m
}

// Status classifies the outcome of a state read.
type Status int

const (
	// Present means the file was read and parsed.
	Present Status = iota
	// Absent means there is no state file.
	Absent
	// ParseFailure means the file exists but is not a valid state document.
	ParseFailure
	// IOFailure means the file could not be read.
	IOFailure
)

func (s Status) String() string {
	switch s {
	case Present:
		return "present"
	case Absent:
		return "absent"
	case ParseFailure:
		return "parse_failure"
	case IOFailure:
		return "io_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ReadResult is the outcome of Store.Read. State is non-nil only when
// Status is Present; Err is set for ParseFailure and IOFailure.
type ReadResult struct {
	Path   string
	Status Status
	State  *SeedState
	Err    error
}

// Seeded collapses every outcome other than a present, uploaded state into
// "not seeded". A corrupt or unreadable file therefore forces a re-seed.
func (r ReadResult) Seeded() bool {
	return r.Status == Present && r.State != nil && r.State.HasUploaded
}

// Degraded reports whether a file existed but could not be used.
func (r ReadResult) Degraded() bool {
	return r.Status == ParseFailure || r.Status == IOFailure
}

// Store reads and writes seed state files. It is the only code that touches them.
type Store struct {
	now func() time.Time
}

// NewStore creates a new state store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Path returns the state file path for a test case directory.
func Path(testCaseDir string) string {
	return filepath.Join(testCaseDir, "state", FileName)
}

// Read loads the state at path. It never returns an error: failures are
// reported through the result's Status so callers decide how to degrade.
func (s *Store) Read(path string) ReadResult {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReadResult{Path: path, Status: Absent}
		}
		return ReadResult{Path: path, Status: IOFailure, Err: err}
	}

	var st SeedState
	if err := json.Unmarshal(data, &st); err != nil {
		return ReadResult{Path: path, Status: ParseFailure, Err: err}
	}

	return ReadResult{Path: path, Status: Present, State: &st}
}

// Write persists state to path, creating parent directories. The file is
// written to a sibling temp file and renamed into place.
func (s *Store) Write(path string, st *SeedState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+FileName+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// NewSeeded builds an uploaded state stamped with the current UTC time.
func (s *Store) NewSeeded(docs []Document, fingerprint string) *SeedState {
	if docs == nil {
		docs = []Document{}
	}
	return &SeedState{
		HasUploaded:       true,
		Documents:         docs,
		SeededAt:          s.now().UTC().Format(time.RFC3339Nano),
		CorpusFingerprint: fingerprint,
	}
}
