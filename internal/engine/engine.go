// Package engine implements the sync engine's stage machine (§4.4-§4.6):
// select, prepare, load, match, new/renew propagation, expire, flags,
// trash, close and write, plus the cancellation/lifetime coordination of
// §5.
//
// The source specification drives these stages through chained completion
// callbacks over a single-threaded reactor. This package takes the
// translation the spec's own Design Notes recommend: each driver call is a
// blocking method, the two sides' select, load and close calls run
// concurrently on goroutines coordinated by golang.org/x/sync/errgroup
// (the other stages walk the sides in turn), and cancellation is plain
// context.Context propagation rather than a hand-rolled refcount. An
// errgroup.Group's first error cancels the shared context exactly the way
// §5's "bad callback sets ret |= BadSide, calls cancel_store, then
// cancel_sync" does — every other in-flight call observes ctx.Err() and
// unwinds.
package engine

import (
	"context"
	"log"

	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/journal"
	"github.com/mback2k/isync/internal/model"
	"github.com/mback2k/isync/internal/state"
)

// Op is one channel operation, expanded per-side by the (out-of-scope)
// config layer from Push/Pull direction flags (§6).
type Op uint8

const (
	OpNew Op = 1 << iota
	OpRenew
	OpDelete
	OpFlags
	OpExpunge
	OpCreate
)

func (o Op) Has(mask Op) bool { return o&mask != 0 }

// SideConfig is the per-side slice of §6's config option table.
type SideConfig struct {
	Name           string // mailbox name as configured (before INBOX/flatten mapping)
	MaxSize        uint   // max_size; 0 means unlimited
	Trash          string // trash folder name on this side, "" if none
	TrashOnlyNew   bool
	TrashRemoteNew bool
	MapInbox       bool // map this mailbox name to "INBOX"
	FlatDelim      byte // 0 means "no flattening"
}

// Config is everything the engine needs to run one channel, beyond the two
// open drivers (§6).
type Config struct {
	Side        [2]SideConfig
	Ops         [2]Op
	MaxMessages int // slave message-cap (0 = disabled)
	Fsync       state.FsyncLevel
	Names       state.NameConfig // for computing the state directory
}

// Result is the OR-able outcome code (§6).
type Result uint8

const (
	ResOk        Result = 0
	ResFail      Result = 1
	ResFailAll   Result = 2
	ResBadMaster Result = 4
	ResBadSlave  Result = 8
	ResNoGood    Result = 16
	ResCanceled  Result = 32
)

func (r Result) Has(mask Result) bool { return r&mask != 0 }

func badSide(s model.Side) Result {
	if s == model.Master {
		return ResBadMaster
	}
	return ResBadSlave
}

// Engine runs exactly one channel (one mailbox pair) sync.
type Engine struct {
	Drv [2]drv.Driver
	Cfg Config
	Log *log.Logger

	store    *state.Store
	boxName  [2]string
	mbox     [2]*drv.MailboxStatus
	colOpt   [2]drv.Opt
	capFlags [2]drv.Capability
	msgs     [2][]*model.Message
	recs     []*model.SyncRecord
	stats    Stats
	expunged [2]bool // set by stageClose once Close succeeds on that side

	ret Result
}

// New constructs an Engine ready to Run. logger may be nil, in which case
// log.Default() is used, matching the teacher's own fallback.
func New(master, slave drv.Driver, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{Cfg: cfg, Log: logger}
	e.Drv[model.Master] = master
	e.Drv[model.Slave] = slave
	return e
}

// Run executes every stage of §4.4 for this channel and returns the
// accumulated result code. It always returns a Result even on error; the
// error describes the fatal condition for logging, matching §7's
// taxonomy (configuration/lock/corruption/uid-validity errors abort
// before any store mutation, with Fail set).
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if err := e.stageSelect(ctx); err != nil {
		return e.fail(err)
	}

	dname, err := state.DName(e.Cfg.Names)
	if err != nil {
		return e.fail(err)
	}
	st, err := state.Open(state.Derive(dname), e.Cfg.Fsync)
	if err != nil {
		return e.fail(err)
	}
	e.store = st
	defer e.store.Close()

	if err := e.checkUIDValidity(); err != nil {
		return e.fail(err)
	}

	e.stagePrepare()

	if err := e.stageLoad(ctx); err != nil {
		return e.failCancel(ctx, err)
	}
	for _, side := range model.Sides {
		if e.mbox[side].UIDNext-1 > e.store.State.MaxUID[side] {
			e.store.State.MaxUID[side] = e.mbox[side].UIDNext - 1
		}
	}

	e.stageMatch()

	if err := e.stageNew(ctx); err != nil {
		return e.failCancel(ctx, err)
	}

	e.stageExpire()

	if err := e.stageFlags(ctx); err != nil {
		return e.failCancel(ctx, err)
	}

	if err := e.stageTrash(ctx); err != nil {
		return e.failCancel(ctx, err)
	}

	if err := e.stageClose(ctx); err != nil {
		return e.failCancel(ctx, err)
	}

	if err := e.stagePrune(); err != nil {
		return e.fail(err)
	}

	if err := e.store.Journal(journal.Entry{Op: journal.OpMaxMaster, M: e.store.State.MaxUID[model.Master]}); err != nil {
		return e.fail(err)
	}
	if err := e.store.Journal(journal.Entry{Op: journal.OpMaxSlave, M: e.store.State.MaxUID[model.Slave]}); err != nil {
		return e.fail(err)
	}
	if err := e.store.Commit(); err != nil {
		return e.fail(err)
	}
	return e.ret, nil
}

func (e *Engine) fail(err error) (Result, error) {
	e.ret |= ResFail
	if e.store != nil {
		e.store.Close()
	}
	return e.ret, err
}

// failCancel implements §5's cancellation path: a fatal error on one side
// cancels both, by virtue of the caller-supplied ctx being derived from an
// errgroup or cancel func higher up; here we just record the result bits
// and tear down without committing, leaving the journal in place for the
// next run's replay.
func (e *Engine) failCancel(ctx context.Context, err error) (Result, error) {
	e.ret |= ResFail
	if ctx.Err() != nil {
		e.ret |= ResCanceled
	}
	if e.store != nil {
		e.store.Close()
	}
	return e.ret, err
}

