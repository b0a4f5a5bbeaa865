// Package kiln implements a content-addressed change-detection and
// incremental-indexing pipeline for a corpus of Markdown notes (a "kiln").
// It scans a directory tree, hashes file contents, classifies the delta
// against a persisted index, and drives parsing, hybrid Merkle-tree
// construction, link materialization, and embedding generation for only
// the changed subset.
package kiln

import (
	"runtime"
	"time"
)

// ChangeDetectionMethod names a change-detection strategy. WithDefaults
// fills it in, but the classifier does not read it: classification always
// compares content hashes, and the modified-time and size values change
// nothing.
type ChangeDetectionMethod string

const (
	// ChangeDetectionContentHash is the canonical, default method: compare
	// BLAKE3 digests of file contents.
	ChangeDetectionContentHash ChangeDetectionMethod = "content_hash"
	// ChangeDetectionModifiedTime is fast but unreliable (clock skew, touch
	// without edit).
	ChangeDetectionModifiedTime ChangeDetectionMethod = "modified_time"
	// ChangeDetectionSize is debug-only; collides trivially.
	ChangeDetectionSize ChangeDetectionMethod = "size"
)

// ErrorHandlingMode controls how the orchestrator reacts to a per-file
// failure during a batch.
type ErrorHandlingMode string

const (
	// ErrorHandlingContinue recovers the failure locally and keeps
	// processing the rest of the batch. This is the default.
	ErrorHandlingContinue ErrorHandlingMode = "continue"
	// ErrorHandlingStop aborts the remaining batch on the first failure.
	ErrorHandlingStop ErrorHandlingMode = "stop"
	// ErrorHandlingPanic panics on the first failure; intended for tests.
	ErrorHandlingPanic ErrorHandlingMode = "panic"
)

// Config carries every tunable named in the external interfaces section of
// the specification. All fields have defaults applied by WithDefaults; none
// are positional. Config is constructed programmatically by the embedding
// application — this module does not load configuration files or parse
// command-line flags.
type Config struct {
	RootPath string

	MaxFileSizeBytes  int64
	MaxRecursionDepth  int
	IncludeHiddenFiles bool
	FileExtensions     []string

	ParallelProcessing int
	BatchSize          int

	EnableEmbeddings bool
	ProcessWikilinks bool
	ProcessEmbeds    bool

	ChangeDetectionMethod ChangeDetectionMethod
	ErrorHandlingMode     ErrorHandlingMode

	ErrorThresholdCircuitBreaker int
	CircuitBreakerTimeout        time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	TimeoutMs    int
	MaxQueueSize int

	VirtualizationThreshold int
	VirtualGroupSize        int

	// EmbeddingDimensions is the vector dimension the pool expects from its
	// provider; used for the dimension contract in §4.H.
	EmbeddingDimensions int

	// MaxBatchSize bounds hash-lookup batching (distinct knob from
	// BatchSize, which sizes embedding chunks, so callers can tune DB
	// round-trips independently of embedding chunking, matching §4.B's
	// "max_batch_size").
	MaxBatchSize int

	// QueryTimeout is filled in by WithDefaults but read by no component;
	// database operations are bounded only by the caller's context.
	QueryTimeout time.Duration
}

// WithDefaults returns a copy of c with every zero-valued field set to its
// specification-mandated default, following the teacher's
// Config.defaults() convention of filling rather than rejecting zero values.
func (c Config) WithDefaults() Config {
	if c.MaxFileSizeBytes <= 0 {
		c.MaxFileSizeBytes = 50 * 1024 * 1024
	}
	if c.MaxRecursionDepth <= 0 {
		c.MaxRecursionDepth = 10
	}
	if len(c.FileExtensions) == 0 {
		c.FileExtensions = []string{"md", "markdown"}
	}
	if c.ParallelProcessing <= 0 {
		c.ParallelProcessing = runtime.NumCPU()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.ChangeDetectionMethod == "" {
		c.ChangeDetectionMethod = ChangeDetectionContentHash
	}
	if c.ErrorHandlingMode == "" {
		c.ErrorHandlingMode = ErrorHandlingContinue
	}
	if c.ErrorThresholdCircuitBreaker <= 0 {
		c.ErrorThresholdCircuitBreaker = 10
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 30_000
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.VirtualizationThreshold <= 0 {
		c.VirtualizationThreshold = 64
	}
	if c.VirtualGroupSize <= 0 {
		c.VirtualGroupSize = 16
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = 384
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	// ProcessWikilinks and ProcessEmbeds default to true; there is no zero
	// value that distinguishes "unset" from "explicitly false" for a bool,
	// so these are left to the caller's literal value. A caller that wants
	// the spec defaults should start from DefaultConfig.
	return c
}

// DefaultConfig returns a Config with every field at its specification
// default, including the boolean gates that WithDefaults cannot infer.
func DefaultConfig() Config {
	c := Config{
		ProcessWikilinks: true,
		ProcessEmbeds:    true,
		EnableEmbeddings: true,
	}
	return c.WithDefaults()
}
