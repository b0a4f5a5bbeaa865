// Package scanner implements the File Scanner component: a depth-bounded
// directory walk that streams each candidate file through BLAKE3 in fixed
// chunks, tolerating per-file errors via a cumulative-error circuit
// breaker, and yielding a deterministically ordered ScanResult.
package scanner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/kilnerr"
)

// chunkSize is the fixed read size used while streaming a file through
// BLAKE3, keeping scanner memory at O(chunk) regardless of file size.
const chunkSize = 64 * 1024

// Scanner walks a kiln root and produces FileInfo records. The circuit
// breaker is instance state, not call state: errors accumulate across
// every Scan/ScanFiles invocation on the same Scanner, and a trip blocks
// subsequent calls until cfg.CircuitBreakerTimeout has actually elapsed.
type Scanner struct {
	cfg    kiln.Config
	logger *slog.Logger

	bufPool sync.Pool

	mu               sync.Mutex
	errorCount       int
	breakerTriggered bool
	breakerTrippedAt time.Time
}

// New creates a Scanner from cfg (defaults applied by the caller via
// kiln.Config.WithDefaults, matching the teacher's convention of resolving
// defaults once at construction).
func New(cfg kiln.Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		logger: logger,
		bufPool: sync.Pool{
			New: func() any {
				buf := make([]byte, chunkSize)
				return &buf
			},
		},
	}
}

// isCircuitBreakerActive reports whether the breaker is still cooling down.
// Once cfg.CircuitBreakerTimeout has elapsed since the trip, it reports
// false again without needing an explicit reset call.
func (s *Scanner) isCircuitBreakerActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.breakerTriggered {
		return false
	}
	return time.Since(s.breakerTrippedAt) < s.cfg.CircuitBreakerTimeout
}

// recordError increments the cumulative error count and trips the breaker
// once cfg.ErrorThresholdCircuitBreaker is reached. Returns whether this
// call tripped (or kept tripped) the breaker, the signal callers use to
// terminate the current walk early.
func (s *Scanner) recordError() (tripped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	if s.errorCount >= s.cfg.ErrorThresholdCircuitBreaker {
		s.breakerTriggered = true
		s.breakerTrippedAt = time.Now()
		return true
	}
	return false
}

// Scan walks root depth-first, bounded by cfg.MaxRecursionDepth, filtering
// by cfg.FileExtensions, and hashing every candidate file.
func (s *Scanner) Scan(root string) (kiln.ScanResult, error) {
	var result kiln.ScanResult
	if s.isCircuitBreakerActive() {
		return result, fmt.Errorf("scanner: circuit breaker is active")
	}

	root = filepath.Clean(root)

	extSet := make(map[string]bool, len(s.cfg.FileExtensions))
	for _, e := range s.cfg.FileExtensions {
		extSet[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}

	err := s.walk(root, root, 0, extSet, &result)
	if err != nil && !errors.Is(err, errCircuitBreakerTripped) {
		return result, err
	}

	sort.Slice(result.DiscoveredFiles, func(i, j int) bool {
		return result.DiscoveredFiles[i].RelativePath < result.DiscoveredFiles[j].RelativePath
	})

	return result, nil
}

// ScanFiles is the explicit-set variant of Scan: it hashes exactly the
// given paths (interpreted relative to root) rather than walking the tree.
func (s *Scanner) ScanFiles(root string, relativePaths []string) (kiln.ScanResult, error) {
	var result kiln.ScanResult
	if s.isCircuitBreakerActive() {
		return result, fmt.Errorf("scanner: circuit breaker is active")
	}

	root = filepath.Clean(root)

	paths := append([]string(nil), relativePaths...)
	sort.Strings(paths)

	for _, rel := range paths {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		info, statErr := os.Lstat(abs)
		if statErr != nil {
			s.recordScanError(&result, rel, statErr)
			if s.recordError() {
				result.CircuitBreakerTriggered = true
				result.EarlyTermination = true
				break
			}
			continue
		}
		fi, hashErr := s.hashOne(abs, rel, info, true)
		if hashErr != nil {
			s.recordScanError(&result, rel, hashErr)
			if s.recordError() {
				result.CircuitBreakerTriggered = true
				result.EarlyTermination = true
				break
			}
			continue
		}
		result.DiscoveredFiles = append(result.DiscoveredFiles, fi)
		result.BytesHashed += fi.SizeBytes
	}

	return result, nil
}

var errCircuitBreakerTripped = errors.New("scanner: circuit breaker tripped")

// walk recurses depth-first. depth counts directories below root; root
// itself is depth 0.
func (s *Scanner) walk(root, dir string, depth int, extSet map[string]bool, result *kiln.ScanResult) error {
	if depth > s.cfg.MaxRecursionDepth {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		rel := relPath(root, dir)
		s.recordScanError(result, rel, err)
		if s.recordError() {
			result.CircuitBreakerTriggered = true
			result.EarlyTermination = true
			return errCircuitBreakerTripped
		}
		return nil
	}

	for _, entry := range entries {
		name := entry.Name()
		if !s.cfg.IncludeHiddenFiles && strings.HasPrefix(name, ".") {
			continue
		}

		full := filepath.Join(dir, name)

		if entry.IsDir() {
			if err := s.walk(root, full, depth+1, extSet, result); err != nil {
				return err
			}
			continue
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		isMarkdown := extSet[ext]
		rel := relPath(root, full)

		info, err := entry.Info()
		if err != nil {
			s.recordScanError(result, rel, err)
			if s.recordError() {
				result.CircuitBreakerTriggered = true
				result.EarlyTermination = true
				return errCircuitBreakerTripped
			}
			continue
		}

		if !isMarkdown {
			// Non-markdown files are still discovered (so deletions/renames
			// of non-markdown assets don't silently vanish from the walk
			// contract) but receive the zero-hash sentinel and are never
			// hashed, matching §3's invariant.
			result.DiscoveredFiles = append(result.DiscoveredFiles, kiln.FileInfo{
				AbsolutePath: full,
				RelativePath: rel,
				SizeBytes:    uint64(info.Size()),
				Mtime:        info.ModTime(),
				IsMarkdown:   false,
				IsAccessible: true,
			})
			continue
		}

		fi, hashErr := s.hashOne(full, rel, info, true)
		if hashErr != nil {
			s.recordScanError(result, rel, hashErr)
			result.DiscoveredFiles = append(result.DiscoveredFiles, fi)
			if s.recordError() {
				result.CircuitBreakerTriggered = true
				result.EarlyTermination = true
				return errCircuitBreakerTripped
			}
			continue
		}

		result.DiscoveredFiles = append(result.DiscoveredFiles, fi)
		result.BytesHashed += fi.SizeBytes
	}

	return nil
}

// hashOne streams the file at abs through BLAKE3. On failure it returns a
// zero-hash, inaccessible FileInfo alongside the error so callers can
// record both a ScanError and a placeholder entry.
func (s *Scanner) hashOne(abs, rel string, info os.FileInfo, isMarkdown bool) (kiln.FileInfo, error) {
	fi := kiln.FileInfo{
		AbsolutePath: abs,
		RelativePath: rel,
		SizeBytes:    uint64(info.Size()),
		Mtime:        info.ModTime(),
		IsMarkdown:   isMarkdown,
	}

	if info.Size() > s.cfg.MaxFileSizeBytes {
		return fi, fmt.Errorf("%w: %s is %d bytes, max is %d", kilnerr.ErrFileTooLarge, rel, info.Size(), s.cfg.MaxFileSizeBytes)
	}

	f, err := os.Open(abs) //nolint:gosec // G304: path is produced by our own bounded walk of the caller's kiln root
	if err != nil {
		return fi, wrapAccessErr(err)
	}
	defer f.Close()

	bufPtr, _ := s.bufPool.Get().(*[]byte)
	defer s.bufPool.Put(bufPtr)
	buf := *bufPtr

	h := blake3.New()
	r := bufio.NewReaderSize(f, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return fi, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fi, wrapAccessErr(readErr)
		}
	}

	sum := h.Sum(nil)
	copy(fi.ContentHash[:], sum)
	fi.IsAccessible = true
	return fi, nil
}

func (s *Scanner) recordScanError(result *kiln.ScanResult, rel string, err error) {
	result.ScanErrors = append(result.ScanErrors, kiln.ScanError{RelativePath: rel, Err: err})
	s.logger.Warn("scan error", "path", rel, "err", err)
}

func relPath(root, full string) string {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		rel = full
	}
	return filepath.ToSlash(rel)
}

func wrapAccessErr(err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", kilnerr.ErrPermissionDenied, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", kilnerr.ErrFileNotFound, err)
	default:
		return fmt.Errorf("%w: %w", kilnerr.ErrIO, err)
	}
}
