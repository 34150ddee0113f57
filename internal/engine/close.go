package engine

import (
	"context"
	"fmt"

	"github.com/mback2k/isync/internal/model"
	"golang.org/x/sync/errgroup"
)

// stageClose is Stage C: expunge and close each side that requested it,
// concurrently.
func (e *Engine) stageClose(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range model.Sides {
		side := side
		if !e.Cfg.Ops[side].Has(OpExpunge) {
			continue
		}
		g.Go(func() error {
			if err := e.Drv[side].Close(gctx); err != nil {
				e.Drv[side].CancelStore()
				e.ret |= badSide(side)
				return fmt.Errorf("close %s: %w", side, err)
			}
			e.expunged[side] = true
			return nil
		})
	}
	return g.Wait()
}

// stagePrune is Stage C's bookkeeping half: a record whose message was
// just expunged on a side loses its binding there — orphaned to UIDGone
// and journaled so a crash doesn't leave the next run to rediscover it
// from a stale uid — and a record already flagged Deleted on that side by
// Stage T is retired outright once the expunge it was waiting on lands.
// Whatever is left with no ground on either side (§3.3's BothGone
// invariant) is compacted at the next Commit.
func (e *Engine) stagePrune() error {
	for _, r := range e.store.State.Records {
		if r.Status.Has(model.RecDead) {
			continue
		}
		for _, side := range model.Sides {
			if !e.expunged[side] {
				continue
			}
			m := r.Msg[side]
			if m == nil || !m.Flags.Has(model.Deleted) {
				continue
			}
			delBit := model.RecDelMaster
			if side == model.Slave {
				delBit = model.RecDelSlave
			}
			if r.Status.Has(delBit) {
				r.Status |= model.RecDead
				continue
			}
			if r.UID[side].Bound() {
				if err := e.store.Journal(bindEntry(side, r, 0)); err != nil {
					return err
				}
			}
		}
		if r.BothGone() {
			r.Status |= model.RecDead
		}
	}
	return nil
}
