package model

// RecordStatus is the sync record status bitset (§3.3).
type RecordStatus uint16

const (
	// RecDead marks a tombstone, removed at state flush.
	RecDead RecordStatus = 1 << iota
	// RecDone marks a record already handled by the "new messages" pass
	// so the "old records" pass skips it.
	RecDone
	RecDelMaster
	RecDelSlave
	// RecExpired is the committed expiration state (on disk as the "X" prefix).
	RecExpired
	// RecExpire is the pending expiration decision for this run.
	RecExpire
	RecNewExpire
	RecExpireSetOnSlave
	// RecFind marks a record whose uid on some side is still being
	// resolved via TUID matching (find_new_msgs).
	RecFind
)

func (s RecordStatus) Has(mask RecordStatus) bool { return s&mask != 0 }

// Expiration projects the Expire/Expired/NewExpire triple onto the
// three-valued transition the Design Notes call out: a record is either
// living normally, about to be expired, about to be revived, or already
// expired on disk.
type Expiration int

const (
	ExpireCurrent Expiration = iota
	ExpirePending
	ExpireReviving
	ExpireDone
)

// SyncRecord is one logical pairing between a master-side message and a
// slave-side message (§3.3). Persistent fields (UID, Flags, Status) are
// what the state file stores; the AFlags/DFlags/TUID/Msg fields are
// transient, recomputed each run.
type SyncRecord struct {
	// UID is indexed by Side: UID[Master], UID[Slave].
	UID [2]UIDBinding

	// Flags last successfully synced; ground truth for delta detection.
	Flags Flags

	Status RecordStatus

	// TUID is present iff a copy is in flight in either direction.
	TUID string

	// Transient, not persisted:
	AFlags [2]Flags   // flags to add this run
	DFlags [2]Flags   // flags to delete this run
	Msg    [2]*Message // resolved message on that side, or nil
}

func NewSyncRecord(master, slave UIDBinding) *SyncRecord {
	r := &SyncRecord{}
	r.UID[Master] = master
	r.UID[Slave] = slave
	return r
}

// noGround reports whether a binding carries no usable information: gone
// or permanently refused.
func noGround(b UIDBinding) bool {
	return b.State == UIDGone || b.State == UIDRefused
}

// BothGone reports whether neither side has any ground left, which per the
// invariant in §3.3 means the record carries no information and must be
// compacted to Dead.
func (r *SyncRecord) BothGone() bool {
	return noGround(r.UID[Master]) && noGround(r.UID[Slave])
}

// HasTUID reports whether this record carries an in-flight tracking tag.
func (r *SyncRecord) HasTUID() bool { return len(r.TUID) == TUIDLen }

// PendingSide returns the side currently marked UIDPending, if any.
func (r *SyncRecord) PendingSide() (Side, bool) {
	for _, s := range Sides {
		if r.UID[s].State == UIDPending {
			return s, true
		}
	}
	return 0, false
}

// Expiration projects the current Expire/Expired bits to the tri-state enum.
func (r *SyncRecord) Expiration() Expiration {
	expire := r.Status.Has(RecExpire)
	expired := r.Status.Has(RecExpired)
	switch {
	case expire && expired:
		return ExpireDone
	case expire && !expired:
		return ExpirePending
	case !expire && expired:
		return ExpireReviving
	default:
		return ExpireCurrent
	}
}
