// Package embedpool implements the Embedding Worker Pool (§4.H): a
// bounded-concurrency, circuit-broken, retrying pipeline in front of a
// pluggable embedding Provider.
package embedpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/kilnforge/kiln/internal/kilnerr"
)

// Task is one (doc_id, content) pair submitted to the pool.
type Task struct {
	DocID   string
	Content string
}

// TaskResult pairs a Task with its outcome.
type TaskResult struct {
	DocID     string
	Embedding Embedding
	Err       error
}

// BatchResult aggregates the outcome of ProcessBatch, matching §4.H's
// result shape.
type BatchResult struct {
	ProcessedCount          int
	FailedCount             int
	EmbeddingsGenerated     int
	Errors                  []error
	TotalTime               time.Duration
	CircuitBreakerTriggered bool
	Results                 []TaskResult
}

// Config configures pool scheduling, retry, and dimension-contract
// behavior. Zero values take specification defaults via WithDefaults.
type Config struct {
	Workers                      int
	MaxQueueSize                 int
	BatchSize                    int
	TimeoutMs                    int
	RetryAttempts                int
	RetryDelay                   time.Duration
	ErrorThresholdCircuitBreaker int
	CircuitBreakerTimeout        time.Duration
	ExpectedDimensions           int
	// IsRetryable classifies a provider error as non-retryable (e.g. an
	// invalid-input sentinel). nil means every error is retryable — the
	// spec's non_retryable_errors allowlist is a caller concern, not
	// something this package can enumerate up front.
	IsRetryable func(error) bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 30_000
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.ErrorThresholdCircuitBreaker <= 0 {
		c.ErrorThresholdCircuitBreaker = 10
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 30 * time.Second
	}
	if c.ExpectedDimensions <= 0 {
		c.ExpectedDimensions = 384
	}
	return c
}

// Pool is the Embedding Worker Pool component.
type Pool struct {
	cfg      Config
	provider Provider
	isMock   bool
	sem      *semaphore.Weighted
	breaker  *circuitBreaker
	logger   *slog.Logger
}

// New constructs a Pool. isMock gates the dimension pad/truncate
// allowance (§4.H: "for mock providers only, pads/truncates to the
// expected dimension; for real providers the mismatch is surfaced to the
// caller").
func New(provider Provider, isMock bool, cfg Config, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		provider: provider,
		isMock:   isMock,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		breaker:  newCircuitBreaker(cfg.ErrorThresholdCircuitBreaker, cfg.CircuitBreakerTimeout),
		logger:   logger,
	}
}

// ProcessBatch runs tasks in chunks of cfg.BatchSize, each chunk's tasks
// concurrently. Each task's provider call is retried up to
// cfg.RetryAttempts times with a fixed cfg.RetryDelay between attempts,
// unless its error is classified non-retryable.
func (p *Pool) ProcessBatch(ctx context.Context, tasks []Task) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{Results: make([]TaskResult, 0, len(tasks))}

	for chunkStart := 0; chunkStart < len(tasks); chunkStart += p.cfg.BatchSize {
		chunkEnd := chunkStart + p.cfg.BatchSize
		if chunkEnd > len(tasks) {
			chunkEnd = len(tasks)
		}
		for _, r := range p.runChunk(ctx, tasks[chunkStart:chunkEnd]) {
			result.Results = append(result.Results, r)
			if r.Err == nil {
				result.ProcessedCount++
				result.EmbeddingsGenerated++
			} else {
				result.FailedCount++
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", r.DocID, r.Err))
			}
		}
	}

	result.CircuitBreakerTriggered = p.breaker.isOpen()
	result.TotalTime = time.Since(start)
	return result, nil
}

func (p *Pool) runChunk(ctx context.Context, chunk []Task) []TaskResult {
	results := make([]TaskResult, len(chunk))
	done := make(chan struct{}, len(chunk))
	for i, t := range chunk {
		i, t := i, t
		go func() {
			defer func() { done <- struct{}{} }()
			emb, err := p.processTaskWithRetry(ctx, t)
			results[i] = TaskResult{DocID: t.DocID, Embedding: emb, Err: err}
		}()
	}
	for range chunk {
		<-done
	}
	return results
}

// processTaskWithRetry wraps a single task's full lifecycle (admission,
// breaker check, provider call, dimension reconciliation) in a
// fixed-delay retry loop, per §4.H's batch-boundary retry policy.
func (p *Pool) processTaskWithRetry(ctx context.Context, t Task) (Embedding, error) {
	b := retry.WithMaxRetries(uint64(p.cfg.RetryAttempts), retry.NewConstant(p.cfg.RetryDelay))

	var emb Embedding
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		result, err := p.runTask(ctx, t)
		if err != nil {
			if p.nonRetryable(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		emb = result
		return nil
	})
	return emb, err
}

func (p *Pool) nonRetryable(err error) bool {
	if p.cfg.IsRetryable == nil {
		return false
	}
	return !p.cfg.IsRetryable(err)
}

// runTask is the per-task lifecycle: acquire permit, consult breaker,
// invoke the provider under timeout, record the outcome, and — for mock
// providers only — reconcile the dimension contract.
func (p *Pool) runTask(ctx context.Context, t Task) (Embedding, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		return Embedding{}, fmt.Errorf("%w: %w", kilnerr.ErrQueueFull, err)
	}
	defer p.sem.Release(1)

	now := time.Now()
	ok, isProbe := p.breaker.allow(now)
	if !ok {
		return Embedding{}, kilnerr.ErrCircuitBreakerOpen
	}

	timeoutCtx, cancelEmbed := context.WithTimeout(ctx, time.Duration(p.cfg.TimeoutMs)*time.Millisecond)
	defer cancelEmbed()
	emb, err := p.provider.Embed(timeoutCtx, t.Content)
	if err != nil {
		p.breaker.recordFailure(time.Now(), isProbe)
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return Embedding{}, fmt.Errorf("%w: %w", kilnerr.ErrTimeout, err)
		}
		return Embedding{}, fmt.Errorf("%w: %w", kilnerr.ErrProviderError, err)
	}
	p.breaker.recordSuccess(isProbe)

	if emb.Dimensions != p.cfg.ExpectedDimensions {
		if !p.isMock {
			return emb, fmt.Errorf("%w: got %d, want %d", kilnerr.ErrDimensionMismatch, emb.Dimensions, p.cfg.ExpectedDimensions)
		}
		p.logger.Warn("embedding dimension mismatch, reconciling for mock provider",
			"got", emb.Dimensions, "want", p.cfg.ExpectedDimensions)
		emb.Vector = reconcileDimensions(emb.Vector, p.cfg.ExpectedDimensions)
		emb.Dimensions = p.cfg.ExpectedDimensions
	}

	return emb, nil
}

func reconcileDimensions(vec []float32, want int) []float32 {
	if len(vec) == want {
		return vec
	}
	out := make([]float32, want)
	copy(out, vec)
	return out
}
