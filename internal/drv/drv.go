// Package drv declares the abstract Driver contract (§4.1) any mail store
// must implement for the engine to drive it. Concrete drivers (internal/imapdrv,
// internal/maildirdrv) adapt a real store onto this interface.
//
// The source specification describes each operation as taking a completion
// callback; in idiomatic Go that maps onto a blocking method call that
// returns a status via its error (nil, ErrMsgBad, ErrBoxBad, or
// context.Canceled/ErrCanceled), with the engine itself providing
// concurrency by running the two sides' calls on separate goroutines. This
// is the "explicit state-machine tasks driven by an event loop" translation
// the spec's Design Notes call out, minus the "aux pointer" indirection: the
// per-run context is owned by the engine and passed to the driver as a
// plain argument.
package drv

import (
	"context"
	"errors"

	"github.com/mback2k/isync/internal/model"
)

// Sentinel errors corresponding to DRV_MSG_BAD, DRV_BOX_BAD and DRV_CANCELED.
var (
	// ErrMsgBad means a single message/operation was refused; the run
	// continues (§7 "Message-level failure").
	ErrMsgBad = errors.New("drv: message rejected")
	// ErrBoxBad means the mailbox is hosed and the run for this side must
	// fail (§7 "Transient driver failure").
	ErrBoxBad = errors.New("drv: mailbox unusable")
	// ErrCanceled means a cancel overtook this call.
	ErrCanceled = errors.New("drv: canceled")
)

// Opt is one capability column a driver may be asked to prepare (§4.1 prepare_opts).
type Opt uint16

const (
	OptOld Opt = 1 << iota
	OptNew
	OptFlags
	OptSize
	OptExpunge
	OptSetFlags
	OptAppend
	OptFind
	OptTime
)

func (o Opt) Has(mask Opt) bool { return o&mask == mask }

// Capability is a driver-reported feature flag. DRV_CRLF is the only one
// the engine consumes today (§4.1).
type Capability uint8

const CRLF Capability = 1 << iota

// MailboxStatus is what select() reports back (§4.1).
type MailboxStatus struct {
	UIDValidity int32
	UIDNext     int32
	Count       int
	Recent      int
}

// Driver is the contract the engine drives both sides through.
type Driver interface {
	// PrepareOpts declares which columns the engine will need; the driver
	// may widen the set but must not narrow it.
	PrepareOpts(opts Opt)

	// Capabilities reports static driver features, notably DRV_CRLF.
	Capabilities() Capability

	// Select opens the named mailbox, creating it first if create is true.
	Select(ctx context.Context, name string, create bool) (*MailboxStatus, error)

	// Load populates and returns every non-dead message whose uid is in
	// [minUID, maxUID] or appears in excs. newUID marks the boundary below
	// which a tuid need not be attached even if OptFind was requested.
	Load(ctx context.Context, minUID, maxUID, newUID int32, excs []int32) ([]*model.Message, error)

	// FetchMsg fetches body+flags+time for msg, returning the raw body.
	FetchMsg(ctx context.Context, msg *model.Message) ([]byte, error)

	// StoreMsg uploads data. If the destination uid is immediately known
	// it is returned; otherwise -1 is returned and the engine must use
	// TUID matching via FindNewMsgs.
	StoreMsg(ctx context.Context, data []byte, toTrash bool) (int32, error)

	// FindNewMsgs populates TUID for messages appended since newUID whose
	// uid was not returned synchronously by StoreMsg.
	FindNewMsgs(ctx context.Context, newUID int32) ([]*model.Message, error)

	// SetFlags queues or applies a flag mutation; may be deferred to Commit.
	SetFlags(ctx context.Context, uid int32, add, del model.Flags) error

	// TrashMsg moves a message to trash; it may or may not expunge.
	TrashMsg(ctx context.Context, msg *model.Message) error

	// Close expunges deleted messages and closes the mailbox.
	Close(ctx context.Context) error

	// Cancel drops not-yet-in-flight operations.
	Cancel()

	// CancelStore hard-disposes the driver after a bad callback.
	CancelStore()

	// Commit flushes queued flag changes.
	Commit(ctx context.Context) error
}
