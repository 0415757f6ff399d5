package fetch

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FilesystemResolver resolves local-file targets against an allow-list of
// directories. Canonicalization (absolute, symlink-free) happens before the
// allow-list check; doing it the other way around lets "../" traversal and
// symlink escapes through.
type FilesystemResolver struct {
	allowed  []string
	maxBytes int64
}

// NewFilesystemResolver creates a resolver. allowed entries are directory
// paths; doublestar patterns are accepted ("/srv/docs/**"). An empty
// allow-list rejects every filesystem target.
func NewFilesystemResolver(allowed []string, maxBytes int64) (*FilesystemResolver, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max file bytes must be positive, got %d", maxBytes)
	}

	normalized := make([]string, 0, len(allowed))
	for _, dir := range allowed {
		if dir == "" {
			continue
		}
		pattern := dir
		if !strings.ContainsAny(pattern, "*?[{") {
			// Plain directory: resolve symlinks in the root itself so the
			// comparison happens in canonical space on both sides.
			if resolved, err := filepath.EvalSymlinks(pattern); err == nil {
				pattern = resolved
			}
			pattern = filepath.Clean(pattern)
		}
		normalized = append(normalized, pattern)
	}

	return &FilesystemResolver{allowed: normalized, maxBytes: maxBytes}, nil
}

// IsFilesystemTarget reports whether target names a local file rather than a
// network URL.
func IsFilesystemTarget(target string) bool {
	if strings.HasPrefix(target, "file://") {
		return true
	}
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Scheme != "file" {
		return false
	}
	return strings.HasPrefix(target, "/") || strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../") || strings.HasPrefix(target, "~/")
}

// Resolve canonicalizes target and enforces the allow-list and file size
// policy. It returns the canonical path; contents are not read here.
func (r *FilesystemResolver) Resolve(target string) (string, error) {
	path := target
	if strings.HasPrefix(target, "file://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", NewPermanentError(fmt.Errorf("invalid file URL: %w", err))
		}
		path = u.Path
		if path == "" {
			return "", NewPermanentError(fmt.Errorf("file URL has no path"))
		}
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ErrPathNotAllowed
	}

	// Canonicalize before the allow-list check: EvalSymlinks flattens both
	// ".." components and symlink indirection.
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewPermanentError(fmt.Errorf("file not found: %s", filepath.Base(path)))
		}
		// Do not leak the underlying layout through error details.
		return "", ErrPathNotAllowed
	}

	if !r.isAllowed(canonical) {
		return "", ErrPathNotAllowed
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return "", NewPermanentError(fmt.Errorf("stat file: %w", err))
	}
	if info.IsDir() {
		return "", NewPermanentError(fmt.Errorf("target is a directory"))
	}
	if info.Size() > r.maxBytes {
		return "", &FileTooLargeError{Size: info.Size(), MaxBytes: r.maxBytes}
	}

	return canonical, nil
}

// Read resolves target and returns its contents with the canonical path.
func (r *FilesystemResolver) Read(target string) (path string, content []byte, err error) {
	canonical, err := r.Resolve(target)
	if err != nil {
		return "", nil, err
	}

	content, err = os.ReadFile(canonical)
	if err != nil {
		return "", nil, NewTransientError(fmt.Errorf("read file: %w", err))
	}
	return canonical, content, nil
}

// Roots returns the literal (non-pattern) allow-list directories, used by
// the cache-invalidation watcher.
func (r *FilesystemResolver) Roots() []string {
	var roots []string
	for _, dir := range r.allowed {
		if !strings.ContainsAny(dir, "*?[{") {
			roots = append(roots, dir)
		}
	}
	return roots
}

// isAllowed checks a canonical path against the allow-list.
func (r *FilesystemResolver) isAllowed(canonical string) bool {
	for _, dir := range r.allowed {
		if strings.ContainsAny(dir, "*?[{") {
			if ok, err := doublestar.PathMatch(dir, canonical); err == nil && ok {
				return true
			}
			continue
		}
		if canonical == dir || strings.HasPrefix(canonical, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
