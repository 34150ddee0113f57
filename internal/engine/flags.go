package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/journal"
	"github.com/mback2k/isync/internal/model"
)

// stageFlags is Stage F: for every paired record, diff each side's fetched
// flags against the last-synced ground truth and push the delta to the
// other side, when that side's Ops request flag propagation. Both
// directions are considered per record so a flag set on either side during
// the same run converges.
func (e *Engine) stageFlags(ctx context.Context) error {
	for _, r := range e.store.State.Records {
		if r.Status.Has(model.RecDead) {
			continue
		}
		if err := e.assertVanishedDelete(ctx, r); err != nil {
			return err
		}
		// base is the ground truth both directions diff against. Recompute
		// it per record, once, before either direction can move r.Flags —
		// a direction that read the live, already-updated r.Flags instead
		// would see its own side's just-applied bits reflected back as a
		// phantom delete.
		base := r.Flags
		for _, src := range model.Sides {
			dst := src.Other()
			srcMsg := r.Msg[src]
			if srcMsg == nil || !srcMsg.Status.Has(model.FlagsFetched) {
				continue
			}
			if !e.Cfg.Ops[dst].Has(OpFlags) || !r.UID[dst].Bound() {
				continue
			}
			add := srcMsg.Flags &^ base
			del := base &^ srcMsg.Flags
			if add == 0 && del == 0 {
				continue
			}
			e.stats.FlagsTotal[dst]++
			if err := e.Drv[dst].SetFlags(ctx, r.UID[dst].UID, add, del); err != nil {
				if errors.Is(err, drv.ErrMsgBad) {
					e.ret |= ResFail
					continue
				}
				e.Drv[dst].CancelStore()
				e.ret |= badSide(dst)
				return fmt.Errorf("set flags on %s: %w", dst, err)
			}
			newFlags := (r.Flags | add) &^ del
			if err := e.store.Journal(journal.Entry{
				Op: journal.OpFlags,
				M:  r.UID[model.Master].Encode(), S: r.UID[model.Slave].Encode(),
				Flags: newFlags,
			}); err != nil {
				return err
			}
			e.stats.FlagsDone[dst]++
		}
	}

	for _, side := range model.Sides {
		if !e.Cfg.Ops[side].Has(OpFlags) {
			continue
		}
		if err := e.Drv[side].Commit(ctx); err != nil {
			e.Drv[side].CancelStore()
			e.ret |= badSide(side)
			return fmt.Errorf("commit flags on %s: %w", side, err)
		}
	}
	return nil
}

// assertVanishedDelete implements Stage F's delete-only propagation: if a
// side's message has vanished (Stage M could no longer find the uid it was
// bound to) and the surviving side's Ops request Delete, the disappearance
// itself is treated as an implicit delete and forwarded by asserting
// Deleted on the surviving message. The vanished side's gone binding is
// then journaled so a crash doesn't leave the next run to rediscover it
// from a stale uid.
func (e *Engine) assertVanishedDelete(ctx context.Context, r *model.SyncRecord) error {
	for _, gone := range model.Sides {
		if r.UID[gone].State != model.UIDGone {
			continue
		}
		live := gone.Other()
		if !e.Cfg.Ops[live].Has(OpDelete) || !r.UID[live].Bound() {
			continue
		}
		m := r.Msg[live]
		if m == nil || m.Flags.Has(model.Deleted) {
			continue
		}
		if err := e.Drv[live].SetFlags(ctx, r.UID[live].UID, model.Deleted, 0); err != nil {
			if errors.Is(err, drv.ErrMsgBad) {
				e.ret |= ResFail
				continue
			}
			e.Drv[live].CancelStore()
			e.ret |= badSide(live)
			return fmt.Errorf("assert deleted on %s: %w", live, err)
		}
		m.Flags |= model.Deleted
		if err := e.store.Journal(journal.Entry{
			Op: journal.OpFlags,
			M:  r.UID[model.Master].Encode(), S: r.UID[model.Slave].Encode(),
			Flags: r.Flags | model.Deleted,
		}); err != nil {
			return err
		}
		if err := e.store.Journal(bindEntry(gone, r, 0)); err != nil {
			return err
		}
	}
	return nil
}
