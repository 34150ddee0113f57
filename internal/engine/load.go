package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/model"
	"golang.org/x/sync/errgroup"
)

// stageLoad is Stage L: load both sides' message lists concurrently. The
// uid range loaded on each side is derived from the Opt columns Stage P
// prepared for it, not a blanket full scan; newUID tells the driver below
// which uid a tuid need not be attached even when OptFind was requested,
// since anything older than the store's own newuid watermark cannot be an
// in-flight copy from a previous, interrupted run.
func (e *Engine) stageLoad(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range model.Sides {
		side := side
		g.Go(func() error {
			minUID, maxUID := e.loadRange(side)
			if maxUID == 0 {
				return nil
			}
			newUID := e.store.NewUID[side]
			var excs []int32
			if side == model.Master && e.store.State.SMaxXUID > 0 {
				excs = e.expiredMasterUIDs()
			}
			msgs, err := e.Drv[side].Load(gctx, minUID, maxUID, newUID, excs)
			if err != nil {
				e.Drv[side].CancelStore()
				e.ret |= badSide(side)
				return fmt.Errorf("load %s: %w", side, err)
			}
			e.msgs[side] = msgs
			return nil
		})
	}
	return g.Wait()
}

// loadRange derives Stage L's [minuid, maxuid] bounds from the Opt columns
// Stage P prepared for side (§4.4): a side nobody needs old or new data
// from is skipped outright (maxuid=0); OptOld pulls in every uid bound so
// far so flags/expunge still apply to already-paired messages; OptNew
// additionally opens the range upward without bound to pick up mail that
// arrived since.
func (e *Engine) loadRange(side model.Side) (minUID, maxUID int32) {
	opts := e.colOpt[side]
	minUID = 1
	if opts.Has(drv.OptOld) {
		maxUID = e.maxBoundUID(side)
	}
	if opts.Has(drv.OptNew) {
		maxUID = math.MaxInt32
	}
	return minUID, maxUID
}

// maxBoundUID returns the highest uid any live record is currently bound to
// on side, or 0 if none are bound yet.
func (e *Engine) maxBoundUID(side model.Side) int32 {
	var max int32
	for _, r := range e.store.State.Records {
		if r.Status.Has(model.RecDead) {
			continue
		}
		if r.UID[side].Bound() && r.UID[side].UID > max {
			max = r.UID[side].UID
		}
	}
	return max
}

// expiredMasterUIDs lists the master uid of every currently-Expired record,
// for Stage L's second-pass reload: these fall outside the ordinary
// [minuid, maxuid] window once smaxxuid has advanced past them, but still
// need to be checked by uid exception so an expired record whose master
// side changed is not missed (§3.4, §4.4).
func (e *Engine) expiredMasterUIDs() []int32 {
	var out []int32
	for _, r := range e.store.State.Records {
		if r.Status.Has(model.RecDead) || !r.Status.Has(model.RecExpired) {
			continue
		}
		if r.UID[model.Master].Bound() {
			out = append(out, r.UID[model.Master].UID)
		}
	}
	return out
}
