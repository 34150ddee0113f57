package engine

import (
	"fmt"
	"io"

	"github.com/mback2k/isync/internal/model"
)

// Stats holds the progress counters of §3.4 (new_total/new_done,
// flags_total/flags_done, trash_total/trash_done, both indexed by side).
// Engine.Stats returns a copy of them; the end-of-run summary reads it after
// Run returns, and the TUI in cmd/mbsync polls it while Run is in progress.
type Stats struct {
	NewTotal, NewDone     [2]int
	FlagsTotal, FlagsDone [2]int
	TrashTotal, TrashDone [2]int
}

// WriteSummary renders a one-line-per-side summary, the shape the
// teacher's CLI prints at the end of a run and the bubbletea progress view
// renders incrementally from the same counters.
func (s Stats) WriteSummary(w io.Writer) error {
	for _, side := range model.Sides {
		_, err := fmt.Fprintf(w, "%s: +%d/%d *%d/%d T%d/%d\n",
			side,
			s.NewDone[side], s.NewTotal[side],
			s.FlagsDone[side], s.FlagsTotal[side],
			s.TrashDone[side], s.TrashTotal[side],
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of the engine's progress counters. Safe to call
// only after Run has returned; there is no internal locking, matching the
// single-channel-at-a-time use the CLI drives this package with.
func (e *Engine) Stats() Stats { return e.stats }
