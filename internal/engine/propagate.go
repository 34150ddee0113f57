package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/journal"
	"github.com/mback2k/isync/internal/model"
	"github.com/mback2k/isync/internal/tuid"
)

// stageNew is Stage N: copy every message unique to one side over to the
// other, when that side's Ops request it, then resolve any copies whose
// destination uid wasn't known synchronously (§4.3, §4.4).
func (e *Engine) stageNew(ctx context.Context) error {
	for _, dst := range model.Sides {
		src := dst.Other()
		if !e.Cfg.Ops[dst].Has(OpNew) {
			continue
		}
		for _, m := range e.msgs[src] {
			if m.Srec != nil || m.Status.Has(model.Dead) {
				continue
			}
			if e.Cfg.Side[src].MaxSize > 0 && m.Size > e.Cfg.Side[src].MaxSize {
				continue
			}
			e.stats.NewTotal[dst]++
			if err := e.propagateOne(ctx, src, dst, m); err != nil {
				if errors.Is(err, drv.ErrMsgBad) {
					e.ret |= ResFail
					continue
				}
				e.Drv[dst].CancelStore()
				e.ret |= badSide(dst)
				return fmt.Errorf("propagate to %s: %w", dst, err)
			}
			e.stats.NewDone[dst]++
		}

		if e.Cfg.Ops[dst].Has(OpRenew) {
			for _, r := range e.store.State.Records {
				if r.Status.Has(model.RecDead) || r.Status.Has(model.RecDone) {
					continue
				}
				if r.UID[dst].State != model.UIDRefused {
					continue
				}
				m := r.Msg[src]
				if m == nil || m.Status.Has(model.Dead) {
					continue
				}
				if e.Cfg.Side[src].MaxSize > 0 && m.Size > e.Cfg.Side[src].MaxSize {
					continue
				}
				e.stats.NewTotal[dst]++
				if err := e.renewOne(ctx, src, dst, r, m); err != nil {
					if errors.Is(err, drv.ErrMsgBad) {
						e.ret |= ResFail
						continue
					}
					e.Drv[dst].CancelStore()
					e.ret |= badSide(dst)
					return fmt.Errorf("renew to %s: %w", dst, err)
				}
				e.stats.NewDone[dst]++
			}
		}

		if err := e.resolveFinds(ctx, dst); err != nil {
			e.Drv[dst].CancelStore()
			e.ret |= badSide(dst)
			return fmt.Errorf("find new messages on %s: %w", dst, err)
		}
	}
	return nil
}

// propagateOne implements §4.3: allocate a sync record pinned on src,
// attach a fresh tuid, fetch the body, inject the tuid (transforming line
// endings to the destination's taste), then store it.
func (e *Engine) propagateOne(ctx context.Context, src, dst model.Side, m *model.Message) error {
	tag, err := tuid.New()
	if err != nil {
		return fmt.Errorf("engine: generate tuid: %w", err)
	}

	var mVal, sVal int32 // -2 = pending, the record's not-yet-bound side
	srcBound := model.UIDBinding{State: model.UIDBound, UID: m.UID}
	dstBinding := model.UIDBinding{State: model.UIDPending}
	if src == model.Master {
		mVal, sVal = srcBound.Encode(), dstBinding.Encode()
	} else {
		mVal, sVal = dstBinding.Encode(), srcBound.Encode()
	}
	if err := e.store.Journal(journal.Entry{Op: journal.OpNewRecord, M: mVal, S: sVal}); err != nil {
		return err
	}
	rec := e.store.State.Records[len(e.store.State.Records)-1]
	m.Srec = rec
	rec.Msg[src] = m

	if err := e.store.Journal(journal.Entry{
		Op: journal.OpSetTUID,
		M:  rec.UID[model.Master].Encode(), S: rec.UID[model.Slave].Encode(),
		TUID: tag,
	}); err != nil {
		return err
	}
	m.TUID = tag

	body, err := e.Drv[src].FetchMsg(ctx, m)
	if err != nil {
		return fmt.Errorf("fetch from %s: %w", src, err)
	}
	destCanCRLF := e.capFlags[dst]&drv.CRLF != 0
	body, err = tuid.Inject(body, tag, destCanCRLF)
	if errors.Is(err, tuid.ErrNoBoundary) {
		// A malformed message fails only this copy (NoGood): the record is
		// retired and the run goes on.
		e.Log.Printf("engine: %s uid %d has no header/body boundary, not copied", src, m.UID)
		e.ret |= ResNoGood
		return e.store.Journal(journal.Entry{Op: journal.OpDead, M: rec.UID[model.Master].Encode(), S: rec.UID[model.Slave].Encode()})
	}
	if err != nil {
		return fmt.Errorf("inject tuid: %w", err)
	}

	newUID, err := e.Drv[dst].StoreMsg(ctx, body, false)
	if err != nil {
		return fmt.Errorf("store on %s: %w", dst, err)
	}
	if newUID > 0 {
		if err := e.store.Journal(bindEntry(dst, rec, newUID)); err != nil {
			return err
		}
		rec.Msg[dst] = &model.Message{UID: newUID, TUID: tag}
	}
	rec.Status |= model.RecDone
	return nil
}

// renewOne implements §4.4 Stage N's Renew case: r already exists, pinned
// on src, with dst UIDRefused (-1) as loaded from the state file. stageNew
// never produces such a record itself: it skips an oversized message
// without creating one. Only the dst leg is redone — a fresh tuid, dst rebound to
// Pending for the duration, then the same fetch/inject/store as an
// ordinary new copy.
func (e *Engine) renewOne(ctx context.Context, src, dst model.Side, r *model.SyncRecord, m *model.Message) error {
	tag, err := tuid.New()
	if err != nil {
		return fmt.Errorf("engine: generate tuid: %w", err)
	}
	if err := e.store.Journal(journal.Entry{
		Op: journal.OpSetTUID,
		M:  r.UID[model.Master].Encode(), S: r.UID[model.Slave].Encode(),
		TUID: tag,
	}); err != nil {
		return err
	}
	if err := e.store.Journal(bindEntry(dst, r, model.UIDBinding{State: model.UIDPending}.Encode())); err != nil {
		return err
	}
	r.TUID = tag
	m.TUID = tag

	body, err := e.Drv[src].FetchMsg(ctx, m)
	if err != nil {
		return fmt.Errorf("fetch from %s: %w", src, err)
	}
	destCanCRLF := e.capFlags[dst]&drv.CRLF != 0
	body, err = tuid.Inject(body, tag, destCanCRLF)
	if errors.Is(err, tuid.ErrNoBoundary) {
		e.Log.Printf("engine: %s uid %d has no header/body boundary, not copied", src, m.UID)
		e.ret |= ResNoGood
		return e.store.Journal(journal.Entry{Op: journal.OpDead, M: r.UID[model.Master].Encode(), S: r.UID[model.Slave].Encode()})
	}
	if err != nil {
		return fmt.Errorf("inject tuid: %w", err)
	}

	newUID, err := e.Drv[dst].StoreMsg(ctx, body, false)
	if err != nil {
		return fmt.Errorf("store on %s: %w", dst, err)
	}
	if newUID > 0 {
		if err := e.store.Journal(bindEntry(dst, r, newUID)); err != nil {
			return err
		}
		r.Msg[dst] = &model.Message{UID: newUID, TUID: tag}
	}
	r.Status |= model.RecDone
	return nil
}

// resolveFinds implements the second half of §4.3: for every record still
// UIDPending on dst, ask the driver which uids actually landed and bind
// them by matching tuid.
func (e *Engine) resolveFinds(ctx context.Context, dst model.Side) error {
	pending := false
	for _, r := range e.store.State.Records {
		if r.UID[dst].State == model.UIDPending {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}

	found, err := e.Drv[dst].FindNewMsgs(ctx, e.store.NewUID[dst])
	if err != nil {
		return err
	}
	byTUID := make(map[string]*model.Message, len(found))
	for _, m := range found {
		if m.HasTUID() {
			byTUID[m.TUID] = m
		}
	}
	for _, r := range e.store.State.Records {
		if r.UID[dst].State != model.UIDPending || r.TUID == "" {
			continue
		}
		m, ok := byTUID[r.TUID]
		if !ok {
			continue
		}
		if err := e.store.Journal(bindEntry(dst, r, m.UID)); err != nil {
			return err
		}
		m.Srec = r
		r.Msg[dst] = m
	}
	return nil
}

// bindEntry produces the </> journal entry that binds side to uid on r,
// keyed by r's current encoding on both sides.
func bindEntry(side model.Side, r *model.SyncRecord, uid int32) journal.Entry {
	op := journal.OpBindMaster
	if side == model.Slave {
		op = journal.OpBindSlave
	}
	return journal.Entry{
		Op: op,
		M:  r.UID[model.Master].Encode(), S: r.UID[model.Slave].Encode(),
		Val: uid,
	}
}
