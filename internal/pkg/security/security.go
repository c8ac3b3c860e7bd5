// Package security provides security utilities for path confinement,
// content validation, and log sanitization.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Path validation errors.
var (
	ErrPathEmpty     = &PathError{Reason: "path is empty"}
	ErrPathNullByte  = &PathError{Reason: "path contains null byte"}
	ErrPathTraversal = &PathError{Reason: "path escapes root"}
	ErrPathTooLong   = &PathError{Reason: "path exceeds maximum length"}
)

// PathError represents a path validation error.
type PathError struct {
	Reason string
	Path   string
}

func (e *PathError) Error() string {
	if e.Path != "" {
		return e.Reason + ": " + e.Path
	}
	return e.Reason
}

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 1024

// ValidatePath performs the literal checks that need no filesystem access:
// empty paths, null bytes, and maximum length.
// Traversal is decided by ConfineToRoot on the canonical form.
func ValidatePath(path string) error {
	if path == "" {
		return ErrPathEmpty
	}

	// Check for null bytes (path injection attack)
	if strings.Contains(path, "\x00") {
		return &PathError{Reason: ErrPathNullByte.Reason, Path: "[contains null byte]"}
	}

	if len(path) > MaxPathLength {
		return &PathError{Reason: ErrPathTooLong.Reason, Path: path[:50] + "..."}
	}

	return nil
}

// ConfineToRoot resolves path against root and returns its canonical absolute
// form. Symlinks are followed on both sides before the containment check, so
// neither ".." segments nor links can escape root. A target that does not
// exist is checked on its cleaned absolute form; callers stat it afterwards.
func ConfineToRoot(root, path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}

	canonRoot, err := canonical(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}

	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(canonRoot, path)
	}
	target, err := canonical(joined)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", SanitizeForLog(path), err)
	}

	rel, err := filepath.Rel(canonRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathError{Reason: ErrPathTraversal.Reason, Path: SanitizeForLog(path)}
	}

	return target, nil
}

// canonical returns the absolute, symlink-free form of p. When p does not
// exist the cleaned absolute path is returned instead.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return resolved, nil
}

// SanitizeForLog sanitizes a string for safe logging.
// It prevents log injection by:
// - Replacing newlines with escaped versions
// - Replacing carriage returns
// - Removing other control characters
// - Truncating to a maximum length
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 200)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(minInt(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			// Remove other control characters, keep printable
			if !unicode.IsControl(r) || r == ' ' {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}

// ValidateContent validates document content before upload.
// It checks for valid UTF-8 and reasonable size. maxSize <= 0 disables the size check.
func ValidateContent(content string, maxSize int) error {
	if maxSize > 0 && len(content) > maxSize {
		return &ContentError{
			Reason: "content exceeds maximum size",
			Size:   len(content),
			Max:    maxSize,
		}
	}

	if !utf8.ValidString(content) {
		return &ContentError{Reason: "content is not valid UTF-8"}
	}

	return nil
}

// ContentError represents a content validation error.
type ContentError struct {
	Reason string
	Size   int
	Max    int
}

func (e *ContentError) Error() string {
	if e.Size > 0 && e.Max > 0 {
		return fmt.Sprintf("%s (size: %s, max: %s)", e.Reason, formatSize(e.Size), formatSize(e.Max))
	}
	return e.Reason
}

// formatSize formats a byte size as human-readable.
func formatSize(bytes int) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB"}
	if exp >= len(units) {
		exp = len(units) - 1
	}
	return fmt.Sprintf("%.1f%s", float64(bytes)/float64(div), units[exp])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
