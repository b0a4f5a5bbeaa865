package termcolor

import (
	"fmt"
	"strings"
	"time"

	"github.com/kilnforge/kiln"
)

// FormatSummary renders a kiln.ProcessingResult as the human-readable run
// summary, coloring each line by what it means for this pipeline: a
// processed count is green, a failed count is red, a partial run's note is
// yellow, the header is bold cyan. Centralized here rather than composed
// ad hoc at each call site, so every caller that prints a run summary
// (today cmd/kilnd's one-shot report, potentially a future daemon status
// line) gets the same processed/failed/partial color semantics.
func (w *Writer) FormatSummary(result *kiln.ProcessingResult, wall time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", w.BoldCyan("kiln: run complete"))
	fmt.Fprintf(&b, "  files scanned:    %d\n", result.FilesScanned)
	fmt.Fprintf(&b, "  changes detected: %d\n", result.ChangesDetected)
	fmt.Fprintf(&b, "  processed:        %s\n", w.Green(fmt.Sprintf("%d", result.ProcessedCount)))
	if result.FailedCount > 0 {
		fmt.Fprintf(&b, "  failed:           %s\n", w.Red(fmt.Sprintf("%d", result.FailedCount)))
	}
	if result.Partial {
		fmt.Fprintf(&b, "  %s\n", w.Yellow("run ended early (cancellation): partial=true"))
	}
	fmt.Fprintf(&b, "  wall time:        %s\n", wall.Round(time.Millisecond))
	for phase, d := range result.Durations {
		fmt.Fprintf(&b, "    %-10s %s\n", phase+":", d.Round(time.Millisecond))
	}
	return b.String()
}

// FormatFileEvent colorizes one per-file outcome line: green "processed
// <doc>" on success, red "failed <doc>: <err>" on failure. Used by
// internal/progress for the spinner text streamed as each file finishes;
// cmd/kilnd's end-of-run summary prints counts only, not per-file lines.
func (w *Writer) FormatFileEvent(docID string, err error) string {
	if err != nil {
		return w.Red(fmt.Sprintf("failed %s: %v", docID, err))
	}
	return w.Green(fmt.Sprintf("processed %s", docID))
}

// FormatPhase colors a pipeline phase name (scan/classify/process/delete,
// per internal/events.Event.Phase) for progress output. Phases in flight
// read cyan; this gives the spinner's per-phase text the same palette
// FormatSummary uses for the run's final report, instead of each caller
// picking an unrelated color.
func (w *Writer) FormatPhase(phase string) string {
	return w.Cyan(phase)
}
