package testcase

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/security"
)

// ResolveCorpusPath maps a repo-root-relative corpus path to an absolute
// regular file confined to repoRoot.
func ResolveCorpusPath(repoRoot, corpusPath string) (string, error) {
	resolved, err := security.ConfineToRoot(repoRoot, corpusPath)
	if err != nil {
		var pe *security.PathError
		if stderrors.As(err, &pe) {
			return "", errors.ValidationError(fmt.Sprintf("corpus path must be under repo root: %s", security.SanitizeForLog(corpusPath))).
				WithPath(corpusPath).
				WithDetail("reason", pe.Reason)
		}
		return "", errors.Wrap(errors.CodeNotFound, fmt.Sprintf("corpus file not found: %s", corpusPath), err).WithPath(corpusPath)
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", errors.NotFoundError("corpus file", resolved)
	}

	return resolved, nil
}

// ReadCorpus reads a resolved corpus file and validates it as text.
// maxBytes <= 0 disables the size limit.
func ReadCorpus(path string, maxBytes int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundError("corpus file", path)
		}
		return "", errors.Wrap(errors.CodeNotFound, fmt.Sprintf("corpus file unreadable: %s", path), err).WithPath(path)
	}

	content := string(data)
	if err := security.ValidateContent(content, maxBytes); err != nil {
		return "", errors.Wrap(errors.CodeValidation, fmt.Sprintf("corpus file rejected: %s", path), err).WithPath(path)
	}
	return content, nil
}

// Title derives an upload title from a corpus file name: the base name with
// its extension stripped. ok is false when nothing is left.
func Title(path string) (title string, ok bool) {
	base := filepath.Base(path)
	title = strings.TrimSuffix(base, filepath.Ext(base))
	return title, title != "" && title != "." && title != string(filepath.Separator)
}
