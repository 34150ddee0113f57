package model

// UIDState is the tagged variant the spec's Design Notes recommend in place
// of the raw {-2, -1, 0, >0} sentinel encoding: it collapses "four
// orthogonal conditions in one field" into an explicit enum, eliminating a
// class of comparison bugs while still round-tripping byte-for-byte to the
// on-disk/journal integer encoding.
type UIDState int

const (
	// UIDGone means the message vanished on this side (orphaned).
	UIDGone UIDState = iota
	// UIDRefused means a prior copy attempt gave up permanently
	// (e.g. message too large).
	UIDRefused
	// UIDPending means a copy is in flight; the record's TUID carries the
	// lookup tag until the destination uid is discovered.
	UIDPending
	// UIDBound means the pair is bound on this side to UID.
	UIDBound
)

// UIDBinding is one side of a SyncRecord's pairing.
type UIDBinding struct {
	State UIDState
	UID   int32 // meaningful only when State == UIDBound
}

// Encode returns the raw sentinel integer used in the state file and
// journal: >0 bound, 0 gone, -1 refused, -2 pending.
func (b UIDBinding) Encode() int32 {
	switch b.State {
	case UIDBound:
		return b.UID
	case UIDRefused:
		return -1
	case UIDPending:
		return -2
	default:
		return 0
	}
}

// DecodeUID converts a raw sentinel integer into a UIDBinding.
func DecodeUID(v int32) UIDBinding {
	switch {
	case v > 0:
		return UIDBinding{State: UIDBound, UID: v}
	case v == 0:
		return UIDBinding{State: UIDGone}
	case v == -1:
		return UIDBinding{State: UIDRefused}
	default: // -2 and, defensively, anything more negative
		return UIDBinding{State: UIDPending}
	}
}

func (b UIDBinding) Bound() bool { return b.State == UIDBound }
func (b UIDBinding) Live() bool  { return b.State == UIDBound || b.State == UIDPending }
