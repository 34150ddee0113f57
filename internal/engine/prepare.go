package engine

import (
	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/model"
)

// stagePrepare is Stage P: tell each driver which Opt columns this run
// will touch, derived from what this side's Ops request and what the
// other side's Ops will need appended to it (§4.1 prepare_opts).
func (e *Engine) stagePrepare() {
	for _, side := range model.Sides {
		other := side.Other()
		opts := drv.OptOld

		if e.Cfg.Ops[side].Has(OpFlags) {
			opts |= drv.OptFlags | drv.OptSetFlags
		}
		if e.Cfg.Side[side].MaxSize > 0 {
			opts |= drv.OptSize
		}
		if e.Cfg.Ops[side].Has(OpExpunge) {
			opts |= drv.OptExpunge
		}
		if e.Cfg.Ops[other].Has(OpNew) || e.Cfg.Ops[other].Has(OpRenew) {
			opts |= drv.OptNew | drv.OptAppend | drv.OptFind | drv.OptTime
		}

		e.colOpt[side] = opts
		e.Drv[side].PrepareOpts(opts)
	}
}
