package engine

import "github.com/mback2k/isync/internal/model"

// stageMatch is Stage M: link each loaded Message to the SyncRecord that
// claims it. Bound sides match by uid; a side still UIDPending with a live
// TUID matches by tag against the other side's freshly-loaded messages,
// the same lookup FindNewMsgs performs later for messages a StoreMsg
// couldn't uid synchronously (§4.3).
func (e *Engine) stageMatch() {
	var byUID [2]map[int32]*model.Message
	var byTUID [2]map[string]*model.Message
	for _, side := range model.Sides {
		byUID[side] = make(map[int32]*model.Message, len(e.msgs[side]))
		byTUID[side] = make(map[string]*model.Message, len(e.msgs[side]))
		for _, m := range e.msgs[side] {
			byUID[side][m.UID] = m
			if m.HasTUID() {
				byTUID[side][m.TUID] = m
			}
		}
	}

	for _, r := range e.store.State.Records {
		if r.Status.Has(model.RecDead) {
			continue
		}
		for _, side := range model.Sides {
			switch {
			case r.UID[side].Bound():
				if m, ok := byUID[side][r.UID[side].UID]; ok {
					m.Srec = r
					r.Msg[side] = m
				} else {
					r.UID[side] = model.UIDBinding{State: model.UIDGone}
				}
			case r.UID[side].State == model.UIDPending && r.TUID != "":
				if m, ok := byTUID[side][r.TUID]; ok {
					m.Srec = r
					r.Msg[side] = m
					r.UID[side] = model.UIDBinding{State: model.UIDBound, UID: m.UID}
				}
			}
		}
	}
	e.recs = e.store.State.Records
}
