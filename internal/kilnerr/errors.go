// Package kilnerr defines the sentinel error kinds shared across the kiln
// pipeline. Components wrap one of these with context via fmt.Errorf("...:
// %w", ...) so callers can classify failures with errors.Is/errors.As
// without depending on component-internal types.
package kilnerr

import "errors"

// Scan errors (internal/scanner).
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrFileNotFound     = errors.New("file not found")
	ErrFileTooLarge     = errors.New("file exceeds max_file_size_bytes")
	ErrIO               = errors.New("i/o error")
)

// Parse errors (internal/noteparse).
var (
	ErrMalformedFrontmatter = errors.New("malformed frontmatter")
	ErrInvalidMarkdown      = errors.New("invalid markdown")
)

// Persistence errors (internal/store, internal/treestore, internal/hashindex).
var (
	ErrQuery                    = errors.New("query error")
	ErrNotFound                 = errors.New("not found")
	ErrCorruptedData            = errors.New("corrupted data")
	ErrUnsupportedFormatVersion = errors.New("unsupported format version")
	ErrInvalidOperation         = errors.New("invalid operation")
	ErrStoreOpen                = errors.New("failed to open store")
	ErrStoreMigration           = errors.New("schema migration failed")
)

// Merkle errors (internal/merkle).
var (
	ErrInvalidIndex = errors.New("invalid section index")
	ErrInvalidHash  = errors.New("invalid hash")
)

// Pool errors (internal/embedpool).
var (
	ErrQueueFull          = errors.New("queue full")
	ErrTimeout            = errors.New("timeout")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrProviderError      = errors.New("provider error")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
)
