// Package progress renders a terminal spinner driven by internal/events
// Bus notifications, for CLI-adjacent feedback during a long
// scan_and_process run. It is ambient tooling, not part of the pipeline
// itself: a Reporter with nothing subscribed changes nothing about how
// the orchestrator behaves.
package progress

import (
	"fmt"
	"os"
	"sync"

	"github.com/pterm/pterm"

	"github.com/kilnforge/kiln/internal/events"
	"github.com/kilnforge/kiln/internal/termcolor"
)

// Reporter subscribes to a Bus and renders its Events as spinner text,
// matching the teacher's TTY-gated Spinner: in non-interactive
// environments (piped output, CI) Start is a no-op.
type Reporter struct {
	bus *events.Bus
	cw  *termcolor.Writer

	unsubscribe func()
	spinner     *pterm.SpinnerPrinter
	done        chan struct{}
	stopOnce    sync.Once
}

// NewReporter constructs a Reporter over bus. bus must not be nil.
func NewReporter(bus *events.Bus) *Reporter {
	return &Reporter{bus: bus}
}

// Start subscribes to the bus and begins rendering, labeling the spinner
// with msg until the first Event arrives. Silent when stderr is not a
// terminal.
func (r *Reporter) Start(msg string) {
	if !termcolor.IsTerminal(os.Stderr.Fd()) {
		return
	}
	r.cw = termcolor.NewWriter(os.Stderr, termcolor.ColorAuto)

	spinner, err := pterm.DefaultSpinner.WithWriter(os.Stderr).Start(msg)
	if err != nil {
		return
	}

	ch, unsubscribe := r.bus.Subscribe()
	r.spinner = spinner
	r.unsubscribe = unsubscribe
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for e := range ch {
			switch e.Type {
			case events.TypeScanStarted:
				spinner.UpdateText(fmt.Sprintf("%s %s", r.cw.FormatPhase("scanning"), e.Message))
			case events.TypeScanProgress, events.TypePhaseCompleted:
				if e.Total > 0 {
					spinner.UpdateText(fmt.Sprintf("%s: %d/%d", r.cw.FormatPhase(e.Phase), e.Done, e.Total))
				} else {
					spinner.UpdateText(fmt.Sprintf("%s...", r.cw.FormatPhase(e.Phase)))
				}
			case events.TypeFileProcessed:
				spinner.UpdateText(r.cw.FormatFileEvent(e.DocID, e.Err))
			case events.TypeError:
				spinner.Warning(e.ErrText)
			case events.TypeRunCompleted:
				r.stopOnce.Do(func() { spinner.Success("processing complete") })
				return
			}
		}
	}()
}

// Stop unsubscribes from the bus and halts the spinner, clearing its line.
// Safe to call even if Start was a no-op, and even if a TypeRunCompleted
// event already stopped the spinner via Success.
func (r *Reporter) Stop() {
	if r.unsubscribe == nil {
		return
	}
	r.unsubscribe()
	<-r.done
	r.stopOnce.Do(func() { _ = r.spinner.Stop() })
}
