// Package testcase loads a test case directory: its config.json, its query
// fixtures, and the corpus files the config points at.
package testcase

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ricesearch/rag-bench/internal/pkg/errors"
)

// DefaultTopK is used when config.json does not set top_k.
const DefaultTopK = 5

// File names inside a test case directory.
const (
	ConfigFile  = "config.json"
	QueriesDir  = "queries"
	QueriesFile = "queries.json"
)

// Config is a parsed config.json.
type Config struct {
	CorpusPaths  []string
	TopK         int
	ChunkSize    *int
	ChunkOverlap *int

	// Extra holds every other top-level field (name, description, ...).
	Extra map[string]any
}

// Query is one query fixture.
type Query struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ConfigPath returns the config.json path for a test case directory.
func ConfigPath(dir string) string {
	return filepath.Join(dir, ConfigFile)
}

// QueriesPath returns the queries.json path for a test case directory.
func QueriesPath(dir string) string {
	return filepath.Join(dir, QueriesDir, QueriesFile)
}

// LoadConfig reads and validates <dir>/config.json.
func LoadConfig(dir string) (*Config, error) {
	path := ConfigPath(dir)

	var raw map[string]any
	if err := readJSON(path, ConfigFile, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.MalformedError(ConfigFile, path, fmt.Errorf("top-level value must be an object"))
	}

	cfg := &Config{TopK: DefaultTopK, Extra: make(map[string]any)}

	paths, ok := raw["corpus_paths"].([]any)
	if !ok || len(paths) == 0 {
		return nil, errors.ValidationError(fmt.Sprintf("config.json must have non-empty corpus_paths list: %s", path)).WithPath(path)
	}
	for i, p := range paths {
		s, ok := p.(string)
		if !ok || s == "" {
			return nil, errors.ValidationError(fmt.Sprintf("config.json corpus_paths[%d] must be a non-empty string: %s", i, path)).WithPath(path)
		}
		cfg.CorpusPaths = append(cfg.CorpusPaths, s)
	}

	if v, present := raw["top_k"]; present {
		n, err := positiveInt(v, 1)
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("config.json top_k %v: %s", err, path)).WithPath(path)
		}
		cfg.TopK = n
	}
	if v, present := raw["chunk_size"]; present && v != nil {
		n, err := positiveInt(v, 1)
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("config.json chunk_size %v: %s", err, path)).WithPath(path)
		}
		cfg.ChunkSize = &n
	}
	if v, present := raw["chunk_overlap"]; present && v != nil {
		n, err := positiveInt(v, 0)
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("config.json chunk_overlap %v: %s", err, path)).WithPath(path)
		}
		cfg.ChunkOverlap = &n
	}

	for k, v := range raw {
		switch k {
		case "corpus_paths", "top_k", "chunk_size", "chunk_overlap":
		default:
			cfg.Extra[k] = v
		}
	}

	return cfg, nil
}

// LoadQueries reads and validates <dir>/queries/queries.json.
func LoadQueries(dir string) ([]Query, error) {
	path := QueriesPath(dir)

	var raw any
	if err := readJSON(path, QueriesFile, &raw); err != nil {
		return nil, err
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, errors.MalformedError(QueriesFile, path, fmt.Errorf("queries.json must be a list"))
	}

	queries := make([]Query, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, queryError(i, path)
		}
		text, ok := obj["text"].(string)
		if !ok {
			return nil, queryError(i, path)
		}

		q := Query{Text: text}
		switch id := obj["id"].(type) {
		case nil:
		case string:
			q.ID = id
		case float64:
			q.ID = strconv.FormatFloat(id, 'f', -1, 64)
		default:
			return nil, errors.ValidationError(fmt.Sprintf("queries.json[%d] id must be a string: %s", i, path)).WithPath(path)
		}
		queries = append(queries, q)
	}

	return queries, nil
}

func queryError(i int, path string) error {
	return errors.ValidationError(fmt.Sprintf("queries.json[%d] must be an object with 'text': %s", i, path)).
		WithPath(path).
		WithDetail("index", strconv.Itoa(i))
}

// readJSON maps a missing file to NotFound and any read or parse failure to Malformed.
func readJSON(path, resource string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundError(resource, path)
		}
		return errors.MalformedError(resource, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.MalformedError(resource, path, err)
	}
	return nil
}

func positiveInt(v any, min int) (int, error) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("must be an integer")
	}
	if f < float64(min) || f > math.MaxInt32 {
		return 0, fmt.Errorf("must be >= %d", min)
	}
	return int(f), nil
}
