// Package upload implements the resumable chunked-upload staging area: chunks
// arrive keyed by byte offset, are parked on disk, and are reassembled into a
// single source file when the client confirms the upload is complete.
package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cinetide/internal/observability/logging"
)

var (
	// ErrNoChunks is returned when reassembly is requested for an upload with
	// no staged chunks.
	ErrNoChunks = errors.New("upload: no chunks staged")
	// ErrChunkGap is returned when the staged offsets do not form one
	// contiguous byte range starting at zero.
	ErrChunkGap = errors.New("upload: chunk offsets are not contiguous")
)

// ChunkStore stages upload chunks under a root directory, one subdirectory
// per original filename.
type ChunkStore struct {
	root   string
	logger *slog.Logger
}

// NewChunkStore creates the staging root lazily; it only records the paths.
func NewChunkStore(root string, logger *slog.Logger) *ChunkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkStore{root: root, logger: logging.WithComponent(logger, "upload")}
}

func (s *ChunkStore) stagingDir(filename string) string {
	return filepath.Join(s.root, sanitizeName(filename))
}

func (s *ChunkStore) chunkPath(filename string, offset int64) string {
	return filepath.Join(s.stagingDir(filename), fmt.Sprintf("chunk_%d", offset))
}

// SaveChunk moves a received temp file into the staging directory for the
// upload, named by its byte offset. The directory is created on first use.
func (s *ChunkStore) SaveChunk(tempPath, filename string, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("upload: negative offset %d", offset)
	}
	dir := s.stagingDir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	target := s.chunkPath(filename, offset)
	if err := os.Rename(tempPath, target); err != nil {
		// cross-device moves fall back to a copy
		if copyErr := copyFile(tempPath, target); copyErr != nil {
			return fmt.Errorf("store chunk at offset %d: %w", offset, copyErr)
		}
		_ = os.Remove(tempPath)
	}
	s.logger.Debug("chunk staged", "file", filename, "offset", offset)
	return nil
}

// AssembledPath returns where CombineChunks leaves the finished file for the
// given upload name.
func (s *ChunkStore) AssembledPath(filename string) string {
	return s.stagingDir(filename)
}

// ChunkExists reports whether the chunk at the given offset is already staged.
// Clients use it to skip re-sending chunks after a resumed upload.
func (s *ChunkStore) ChunkExists(filename string, offset int64) bool {
	info, err := os.Stat(s.chunkPath(filename, offset))
	return err == nil && !info.IsDir()
}

// CombineChunks concatenates all staged chunks for filename in ascending
// offset order into one file and returns its path. Offsets must be
// contiguous: each chunk has to start exactly where the previous one ended.
// The staging directory is removed on success; on failure both the partial
// output and the staging directory are removed.
func (s *ChunkStore) CombineChunks(filename string) (string, error) {
	dir := s.stagingDir(filename)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoChunks
		}
		return "", fmt.Errorf("list chunks: %w", err)
	}

	type chunk struct {
		offset int64
		path   string
		size   int64
	}
	var chunks []chunk
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw := strings.TrimPrefix(entry.Name(), "chunk_")
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", fmt.Errorf("stat chunk %s: %w", entry.Name(), err)
		}
		chunks = append(chunks, chunk{offset: offset, path: filepath.Join(dir, entry.Name()), size: info.Size()})
	}
	if len(chunks) == 0 {
		return "", ErrNoChunks
	}

	// numeric sort: offset 10 must follow 9, not 1
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].offset < chunks[j].offset })

	var expected int64
	for _, c := range chunks {
		if c.offset != expected {
			return "", fmt.Errorf("%w: expected offset %d, found %d", ErrChunkGap, expected, c.offset)
		}
		expected += c.size
	}

	output := filepath.Join(s.root, sanitizeName(filename))
	// the staging dir occupies the target name; assemble next to it first
	assembled := output + ".assembling"
	out, err := os.Create(assembled)
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}

	cleanup := func() {
		out.Close()
		_ = os.Remove(assembled)
		_ = os.RemoveAll(dir)
	}

	for _, c := range chunks {
		in, err := os.Open(c.path)
		if err != nil {
			cleanup()
			return "", fmt.Errorf("open chunk at offset %d: %w", c.offset, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			cleanup()
			return "", fmt.Errorf("append chunk at offset %d: %w", c.offset, err)
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(assembled)
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("finalize output: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		_ = os.Remove(assembled)
		return "", fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.Rename(assembled, output); err != nil {
		_ = os.Remove(assembled)
		return "", fmt.Errorf("move output into place: %w", err)
	}
	s.logger.Info("upload reassembled", "file", filename, "chunks", len(chunks), "bytes", expected)
	return output, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func sanitizeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		return "upload"
	}
	return base
}
