package changeset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/critic-scm/critic/internal/models"
)

// languageOf maps a path to a highlight language label, or "" for files that
// are not highlighted.
func languageOf(path string) string {
	base := filepath.Base(path)
	switch base {
	case "Makefile", "GNUmakefile":
		return "make"
	case "Dockerfile":
		return "docker"
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hh", ".hpp":
		return "c++"
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".ts":
		return "typescript"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	case ".rb":
		return "ruby"
	case ".sh", ".bash":
		return "shell"
	case ".sql":
		return "sql"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".xml":
		return "xml"
	case ".html", ".htm":
		return "html"
	case ".css":
		return "css"
	case ".md":
		return "markdown"
	default:
		return ""
	}
}

func (s *Store) highlightPath(repoID int64, sha1 models.SHA1, languageID int64) string {
	return filepath.Join(s.cacheDir, "highlight",
		fmt.Sprintf("%d", repoID), fmt.Sprintf("%s.%d.zst", sha1, languageID))
}

// writeHighlight stores a highlighted file version in the cache, compressed
// with zstd. The write goes through a temp file so readers never observe a
// partial entry.
func (s *Store) writeHighlight(repoID int64, sha1 models.SHA1, languageID int64, data []byte) error {
	path := s.highlightPath(repoID, sha1, languageID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create highlight cache dir: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := encoder.EncodeAll(data, nil)
	encoder.Close()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("write highlight cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write highlight cache: %w", err)
	}
	return nil
}

// ReadHighlight loads a highlighted file version from the cache.
func (s *Store) ReadHighlight(repoID int64, sha1 models.SHA1, languageID int64) ([]byte, error) {
	compressed, err := os.ReadFile(s.highlightPath(repoID, sha1, languageID))
	if err != nil {
		return nil, fmt.Errorf("read highlight cache: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress highlight cache: %w", err)
	}
	return data, nil
}
