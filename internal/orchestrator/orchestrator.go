// Package orchestrator implements the Orchestrator (§4.I): the component
// that drives scan -> classify -> per-file parse/build/persist/materialize
// /embed/commit for a kiln root, honoring the strict per-file step
// ordering and the cooperative-cancellation/partial-result contract from
// §5.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/classify"
	"github.com/kilnforge/kiln/internal/embedpool"
	"github.com/kilnforge/kiln/internal/events"
	"github.com/kilnforge/kiln/internal/hashindex"
	"github.com/kilnforge/kiln/internal/kilnerr"
	"github.com/kilnforge/kiln/internal/linkgraph"
	"github.com/kilnforge/kiln/internal/merkle"
	"github.com/kilnforge/kiln/internal/noteparse"
	"github.com/kilnforge/kiln/internal/scanner"
	"github.com/kilnforge/kiln/internal/store"
	"github.com/kilnforge/kiln/internal/treestore"
)

// Orchestrator wires the Scanner, Hash Index, Change Classifier, Parser,
// Merkle Persistence, Link Materializer, and (optionally) the Embedding
// Worker Pool into the single process(root) entry point.
type Orchestrator struct {
	cfg kiln.Config

	scan         *scanner.Scanner
	hashIdx      *hashindex.Index
	parser       noteparse.Parser
	treeStore    *treestore.Store
	materializer *linkgraph.Materializer
	pool         *embedpool.Pool

	bus    *events.Bus
	logger *slog.Logger
}

// New wires every pipeline component from cfg and a shared database
// handle. parser defaults to noteparse.NewGoldmarkParser when nil. If
// cfg.EnableEmbeddings is set and provider is nil, an embedpool.MockProvider
// sized to cfg.EmbeddingDimensions is used and isMock is forced true. bus
// may be nil; every publish then becomes a no-op.
func New(cfg kiln.Config, db *store.DB, parser noteparse.Parser, provider embedpool.Provider, isMock bool, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	cfg = cfg.WithDefaults()
	if parser == nil {
		parser = noteparse.NewGoldmarkParser()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var pool *embedpool.Pool
	if cfg.EnableEmbeddings {
		if provider == nil {
			provider = embedpool.NewMockProvider(cfg.EmbeddingDimensions)
			isMock = true
		}
		pool = embedpool.New(provider, isMock, embedpool.Config{
			Workers:                      cfg.ParallelProcessing,
			MaxQueueSize:                 cfg.MaxQueueSize,
			BatchSize:                    cfg.BatchSize,
			TimeoutMs:                    cfg.TimeoutMs,
			RetryAttempts:                cfg.RetryAttempts,
			RetryDelay:                   cfg.RetryDelay,
			ErrorThresholdCircuitBreaker: cfg.ErrorThresholdCircuitBreaker,
			CircuitBreakerTimeout:        cfg.CircuitBreakerTimeout,
			ExpectedDimensions:           cfg.EmbeddingDimensions,
		}, logger)
	}

	return &Orchestrator{
		cfg:          cfg,
		scan:         scanner.New(cfg, logger),
		hashIdx:      hashindex.New(db, cfg.MaxBatchSize, 0),
		parser:       parser,
		treeStore:    treestore.New(db),
		materializer: linkgraph.New(db),
		pool:         pool,
		bus:          bus,
		logger:       logger,
	}
}

// Process runs one full scan_and_process cycle against root, per §4.I's
// six-step list. ctx is the cancellation token described in §5: propagation
// is cooperative, so an in-flight file's steps always run to completion,
// but no new file is dispatched once ctx is done.
func (o *Orchestrator) Process(ctx context.Context, root string) (*kiln.ProcessingResult, error) {
	result := &kiln.ProcessingResult{Durations: make(map[string]time.Duration)}

	// Each Process call is one independent scan (§4.B): the hash index's
	// session cache is cleared here rather than left to accumulate across
	// repeated calls against the same Orchestrator, e.g. from watch mode.
	o.hashIdx.ClearSessionCache()

	o.publish(events.Event{Type: events.TypeScanStarted, Phase: "scan", Message: root})
	scanStart := time.Now()
	scanResult, err := o.scan.Scan(root)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	result.Durations["scan"] = time.Since(scanStart)
	result.FilesScanned = len(scanResult.DiscoveredFiles)
	o.publish(events.Event{Type: events.TypePhaseCompleted, Phase: "scan", Done: result.FilesScanned, Total: result.FilesScanned})

	classifyStart := time.Now()
	changes, err := classify.Classify(ctx, &scanResult, o.hashIdx)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	result.Durations["classify"] = time.Since(classifyStart)
	result.ChangesDetected = len(changes.New) + len(changes.Changed) + len(changes.Deleted)
	o.publish(events.Event{Type: events.TypePhaseCompleted, Phase: "classify", Done: result.ChangesDetected})

	toProcess := make([]kiln.FileInfo, 0, len(changes.New)+len(changes.Changed))
	for _, f := range changes.New {
		if f.IsMarkdown && f.IsAccessible {
			toProcess = append(toProcess, f)
		}
	}
	for _, f := range changes.Changed {
		if f.IsMarkdown && f.IsAccessible {
			toProcess = append(toProcess, f)
		}
	}

	processStart := time.Now()
	errs, partial := o.processChanged(ctx, toProcess, result)
	result.Durations["process"] = time.Since(processStart)
	result.Partial = partial

	deleteStart := time.Now()
	if derr := o.processDeleted(ctx, changes.Deleted); derr != nil {
		errs = multierr.Append(errs, derr)
	}
	result.Durations["delete"] = time.Since(deleteStart)
	result.Errors = errs

	o.publish(events.Event{Type: events.TypeRunCompleted, Phase: "process", Result: result})
	return result, nil
}

// processChanged dispatches files to cfg.ParallelProcessing workers,
// mirroring the teacher's fixed-worker-pool-over-a-channel shape
// (internal/repomanager's cloneWorker/cloneQueue). Dispatch stops, and
// partial becomes true, on context cancellation or (in
// ErrorHandlingStop mode) the first per-file failure; workers already
// holding a file always finish it.
func (o *Orchestrator) processChanged(ctx context.Context, files []kiln.FileInfo, result *kiln.ProcessingResult) (error, bool) {
	if len(files) == 0 {
		return nil, false
	}

	jobs := make(chan kiln.FileInfo)
	stop := make(chan struct{})
	var stopOnce sync.Once
	triggerStop := func() { stopOnce.Do(func() { close(stop) }) }

	var (
		mu   sync.Mutex
		errs error
	)

	var wg sync.WaitGroup
	wg.Add(o.cfg.ParallelProcessing)
	for i := 0; i < o.cfg.ParallelProcessing; i++ {
		go func() {
			defer wg.Done()
			for f := range jobs {
				ferr := o.processOne(ctx, f)

				mu.Lock()
				if ferr != nil {
					result.FailedCount++
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.RelativePath, ferr))
				} else {
					result.ProcessedCount++
				}
				mu.Unlock()

				o.publish(events.Event{Type: events.TypeFileProcessed, Phase: "process", DocID: f.RelativePath, Err: ferr})

				if ferr != nil {
					switch o.cfg.ErrorHandlingMode {
					case kiln.ErrorHandlingStop:
						triggerStop()
					case kiln.ErrorHandlingPanic:
						panic(fmt.Sprintf("orchestrator: processing %s: %v", f.RelativePath, ferr))
					}
				}
			}
		}()
	}

	partial := false
dispatch:
	for _, f := range files {
		select {
		case <-ctx.Done():
			partial = true
			break dispatch
		case <-stop:
			partial = true
			break dispatch
		case jobs <- f:
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		partial = true
	}

	return errs, partial
}

// processOne runs steps (a)-(f) of §4.I for a single changed file, in
// strict order; the hash-index upsert is always last, matching §5's
// "hash upsert must therefore be the last step" commit-marker rule.
func (o *Orchestrator) processOne(ctx context.Context, f kiln.FileInfo) error {
	// classify.Classify already excludes non-markdown/inaccessible files
	// from New/Changed; this guard is belt-and-suspenders for any future
	// caller that dispatches a FileInfo straight from a ScanResult, mirroring
	// the original source's own "if !file_info.is_markdown ||
	// !file_info.is_accessible { continue; }" guard (kiln_scanner.rs) — a
	// HashRecord must never be written for a file that was never parsed.
	if !f.IsMarkdown || !f.IsAccessible {
		return nil
	}

	note, err := o.parser.ParseFile(f.AbsolutePath)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	tree := merkle.Build(note, merkle.Options{
		VirtualizationThreshold: o.cfg.VirtualizationThreshold,
		VirtualGroupSize:        o.cfg.VirtualGroupSize,
	})

	if err := o.persistTree(ctx, f.RelativePath, tree); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	title := deriveTitle(note, f.RelativePath)
	if err := o.materializer.RewriteEdges(ctx, f.RelativePath, title, note, o.cfg.ProcessWikilinks, o.cfg.ProcessEmbeds); err != nil {
		return fmt.Errorf("materialize links: %w", err)
	}

	if o.pool != nil {
		batch, err := o.pool.ProcessBatch(ctx, []embedpool.Task{{DocID: f.RelativePath, Content: note.Content.PlainText}})
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if batch.FailedCount > 0 {
			return fmt.Errorf("embed: %w", multierr.Combine(batch.Errors...))
		}
	}

	hexHash := hex.EncodeToString(f.ContentHash[:])
	if err := o.hashIdx.Upsert(ctx, f.RelativePath, hexHash, time.Now()); err != nil {
		return fmt.Errorf("hash upsert: %w", err)
	}
	return nil
}

// persistTree chooses between a full Store and an UpdateIncremental,
// per §4.I step (c): "store (or update_incremental when prior tree
// exists and diff identifies changed sections)". A section-count change
// (headings added or removed) falls back to a full Store, since
// index-aligned section diffing is only meaningful when the shape is
// unchanged.
func (o *Orchestrator) persistTree(ctx context.Context, relativePath string, tree *merkle.HybridMerkleTree) error {
	prev, err := o.treeStore.Retrieve(ctx, relativePath)
	if err != nil {
		if errors.Is(err, kilnerr.ErrNotFound) {
			return o.treeStore.Store(ctx, relativePath, tree)
		}
		return err
	}

	changed, sameShape := diffSections(prev, tree)
	if !sameShape {
		return o.treeStore.Store(ctx, relativePath, tree)
	}
	if len(changed) == 0 {
		return nil
	}
	return o.treeStore.UpdateIncremental(ctx, relativePath, tree, changed)
}

// diffSections compares prev and next section-by-section at matching
// indices. sameShape is false when the section count differs, in which
// case the caller must fall back to a full store.
func diffSections(prev, next *merkle.HybridMerkleTree) (changed []int, sameShape bool) {
	if len(prev.Sections) != len(next.Sections) {
		return nil, false
	}
	for i := range next.Sections {
		if prev.Sections[i].SectionHash != next.Sections[i].SectionHash {
			changed = append(changed, i)
		}
	}
	return changed, true
}

// processDeleted implements §4.I step 5 for every path in changes.deleted.
// Individual failures are aggregated rather than aborting the rest of the
// batch, matching the continue-by-default error handling the rest of the
// orchestrator uses for per-item work.
func (o *Orchestrator) processDeleted(ctx context.Context, paths []string) error {
	var errs error
	for _, p := range paths {
		if err := o.treeStore.Delete(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete tree %s: %w", p, err))
		}
		if err := o.hashIdx.Delete(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete hash %s: %w", p, err))
		}
		if err := o.materializer.Delete(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete edges %s: %w", p, err))
		}
		o.publish(events.Event{Type: events.TypeFileProcessed, Phase: "delete", DocID: p})
	}
	return errs
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(e)
}

// deriveTitle resolves a note's display title: explicit frontmatter,
// else its first heading, else its filename stem. Used both for link
// resolution (linkgraph matches wikilink targets against this) and for
// the note row's title_slug index.
func deriveTitle(note *noteparse.ParsedNote, relativePath string) string {
	if t := note.Frontmatter["title"]; t != "" {
		return t
	}
	for _, h := range note.Content.Headings {
		if h.Text != "" {
			return h.Text
		}
	}
	base := path.Base(relativePath)
	return strings.TrimSuffix(base, path.Ext(base))
}
