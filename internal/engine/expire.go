package engine

import (
	"sort"

	"github.com/mback2k/isync/internal/journal"
	"github.com/mback2k/isync/internal/model"
)

// stageExpire is Stage E (§4.5): when a slave message cap is configured,
// mark the oldest-by-slave-uid live records over the cap Expire, and
// revive previously expired records that now fit back under it. smaxxuid
// only ever grows, so a record once expired past that watermark is never
// reconsidered for revival even if the cap is raised back up (§3.4).
func (e *Engine) stageExpire() {
	if e.Cfg.MaxMessages <= 0 {
		return
	}

	var live []*model.SyncRecord
	for _, r := range e.store.State.Records {
		if r.Status.Has(model.RecDead) {
			continue
		}
		if !r.UID[model.Slave].Bound() {
			continue
		}
		if r.UID[model.Slave].UID <= e.store.State.SMaxXUID {
			continue // never revive past the high-water mark
		}
		live = append(live, r)
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].UID[model.Slave].UID < live[j].UID[model.Slave].UID
	})

	over := len(live) - e.Cfg.MaxMessages
	for i, r := range live {
		wantExpire := i < over && !ineligibleForExpiry(r.Msg[model.Slave])
		if wantExpire == r.Status.Has(model.RecExpire) {
			continue
		}
		val := int32(0)
		if wantExpire {
			val = 1
		}
		if err := e.store.Journal(journal.Entry{
			Op: journal.OpExpireSet,
			M:  r.UID[model.Master].Encode(), S: r.UID[model.Slave].Encode(),
			Val: val,
		}); err != nil {
			// Stage E never talks to a driver, so a journal write error here
			// is the same fatal disk condition Store.Journal already wraps;
			// the caller has no driver-side cleanup to perform and Run's
			// own journal writes right after this stage will surface it.
			e.Log.Printf("engine: expire: %v", err)
			return
		}
	}
}

// ineligibleForExpiry implements §4.5's exclusions: a Flagged message, or
// one that only just arrived and hasn't been read yet, is never marked for
// expiry even when its uid sorts among the oldest over the cap.
func ineligibleForExpiry(m *model.Message) bool {
	if m == nil {
		return false
	}
	if m.Flags.Has(model.Flagged) {
		return true
	}
	if m.Status.Has(model.Recent) && !m.Flags.Has(model.Seen) {
		return true
	}
	return false
}
