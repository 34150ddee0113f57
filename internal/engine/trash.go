package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/model"
)

// stageTrash is Stage T: when a side configures a trash folder, a message
// freshly marked Deleted on that side is archived there instead of (or in
// addition to, depending on the driver) being expunged outright (§6
// trash/trash_only_new/trash_remote_new).
func (e *Engine) stageTrash(ctx context.Context) error {
	for _, side := range model.Sides {
		if e.Cfg.Side[side].Trash == "" {
			continue
		}
		delBit := model.RecDelMaster
		if side == model.Slave {
			delBit = model.RecDelSlave
		}
		for _, r := range e.store.State.Records {
			if r.Status.Has(model.RecDead) || r.Status.Has(delBit) {
				continue
			}
			m := r.Msg[side]
			if m == nil || !m.Flags.Has(model.Deleted) {
				continue
			}
			if e.Cfg.Side[side].TrashOnlyNew && !m.Status.Has(model.Recent) {
				continue
			}
			e.stats.TrashTotal[side]++
			if err := e.Drv[side].TrashMsg(ctx, m); err != nil {
				if errors.Is(err, drv.ErrMsgBad) {
					e.ret |= ResFail
					continue
				}
				e.Drv[side].CancelStore()
				e.ret |= badSide(side)
				return fmt.Errorf("trash on %s: %w", side, err)
			}
			r.Status |= delBit
			e.stats.TrashDone[side]++
		}
	}

	// The remote-copy fallback (§6 trash_remote_new): a side with no local
	// trash folder configured still wants its about-to-be-expunged
	// messages preserved somewhere, so they are fetched here and stored on
	// the other side's trash mailbox instead.
	for _, t := range model.Sides {
		sc := e.Cfg.Side[t]
		if sc.Trash != "" || !sc.TrashRemoteNew || !e.Cfg.Ops[t].Has(OpExpunge) {
			continue
		}
		other := t.Other()
		delBit := model.RecDelMaster
		if t == model.Slave {
			delBit = model.RecDelSlave
		}
		for _, r := range e.store.State.Records {
			if r.Status.Has(model.RecDead) || r.Status.Has(delBit) {
				continue
			}
			m := r.Msg[t]
			if m == nil || !m.Flags.Has(model.Deleted) {
				continue
			}
			body, err := e.Drv[t].FetchMsg(ctx, m)
			if err != nil {
				if errors.Is(err, drv.ErrMsgBad) {
					e.ret |= ResFail
					continue
				}
				e.Drv[t].CancelStore()
				e.ret |= badSide(t)
				return fmt.Errorf("fetch for remote trash on %s: %w", t, err)
			}
			e.stats.TrashTotal[t]++
			if _, err := e.Drv[other].StoreMsg(ctx, body, true); err != nil {
				if errors.Is(err, drv.ErrMsgBad) {
					e.ret |= ResFail
					continue
				}
				e.Drv[other].CancelStore()
				e.ret |= badSide(other)
				return fmt.Errorf("store remote trash on %s: %w", other, err)
			}
			r.Status |= delBit
			e.stats.TrashDone[t]++
		}
	}
	return nil
}
