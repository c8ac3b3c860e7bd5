package runner

import (
	"context"

	"github.com/ricesearch/rag-bench/internal/bus"
	"github.com/ricesearch/rag-bench/internal/client"
	"github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/hash"
	"github.com/ricesearch/rag-bench/internal/state"
	"github.com/ricesearch/rag-bench/internal/testcase"
)

// SourceTypeManual marks raw-content uploads.
const SourceTypeManual = "manual"

// SeedResult describes what the seed stage did for a test case.
type SeedResult struct {
	// Skipped is true when an existing seed state was reused.
	Skipped bool

	// Documents is the number of documents recorded in the state.
	Documents int

	// StatePath is the state file that was read or written.
	StatePath string
}

// Seed uploads a test case's corpus once and records the document ids.
//
// An uploaded state whose corpus fingerprint matches the current config (or
// has none) is reused without any upload. Otherwise every corpus file is
// uploaded in config order, and the state is written only after all uploads
// succeed, so a failed seed leaves no state behind.
func (r *Runner) Seed(ctx context.Context, name string) (*SeedResult, error) {
	dir := r.TestCaseDir(name)
	log := r.log.WithTestCase(name)

	cfg, err := testcase.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	fingerprint := hash.CorpusFingerprint(cfg.CorpusPaths)

	statePath := state.Path(dir)
	existing := r.store.Read(statePath)
	if existing.Degraded() {
		log.Warn("State file unusable, treating as not seeded",
			"path", statePath,
			"status", existing.Status.String(),
			"error", existing.Err.Error(),
		)
	}

	if existing.Seeded() {
		stored := existing.State.CorpusFingerprint
		if stored == "" || stored == fingerprint {
			log.Info("Already seeded, skipping", "path", statePath, "documents", len(existing.State.Documents))
			r.publish(ctx, bus.TopicSeedSkipped, bus.SeedPayload{
				TestCase:    name,
				Documents:   len(existing.State.Documents),
				Fingerprint: stored,
				Reason:      "already seeded",
			})
			return &SeedResult{Skipped: true, Documents: len(existing.State.Documents), StatePath: statePath}, nil
		}
		log.Warn("Corpus paths changed since last seed, re-seeding",
			"stored_fingerprint", stored,
			"current_fingerprint", fingerprint,
		)
	}

	docs := make([]state.Document, 0, len(cfg.CorpusPaths))
	for _, corpusPath := range cfg.CorpusPaths {
		req, err := r.uploadRequest(name, corpusPath, cfg)
		if err != nil {
			return nil, err
		}

		docID, err := r.pipeline.Upload(ctx, req)
		if err != nil {
			return nil, err
		}

		log.Info("Uploaded corpus file", "corpus_path", corpusPath, "document_id", docID)
		docs = append(docs, state.Document{CorpusPath: corpusPath, DocumentID: docID})
	}

	st := r.store.NewSeeded(docs, fingerprint)
	if err := r.store.Write(statePath, st); err != nil {
		return nil, errors.InternalError("failed to write seed state", err).WithPath(statePath)
	}

	log.Info("Seeded", "documents", len(docs), "path", statePath)
	r.publish(ctx, bus.TopicSeedCompleted, bus.SeedPayload{
		TestCase:    name,
		Documents:   len(docs),
		Fingerprint: fingerprint,
	})

	return &SeedResult{Documents: len(docs), StatePath: statePath}, nil
}

func (r *Runner) uploadRequest(name, corpusPath string, cfg *testcase.Config) (client.UploadRequest, error) {
	abs, err := testcase.ResolveCorpusPath(r.cfg.RepoRoot, corpusPath)
	if err != nil {
		return client.UploadRequest{}, err
	}

	content, err := testcase.ReadCorpus(abs, r.cfg.MaxDocumentBytes)
	if err != nil {
		return client.UploadRequest{}, err
	}

	req := client.UploadRequest{
		SourceType: SourceTypeManual,
		RawContent: content,
		Metadata: map[string]any{
			"corpus_path": corpusPath,
			"test_case":   name,
		},
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	}
	if title, ok := testcase.Title(abs); ok {
		req.Title = &title
	}
	return req, nil
}
