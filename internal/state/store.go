// Package state implements the sync-state store: the state file, the
// journal, the lock file, and the atomic advancement protocol described in
// §4.2. It owns the single Apply method that both crash-replay and live
// journaling use, so the two paths can never disagree about what a journal
// entry means (testable property #1).
package state

import (
	"bufio"
	"fmt"
	"os"

	"github.com/mback2k/isync/internal/journal"
	"github.com/mback2k/isync/internal/model"
)

// FsyncLevel controls how aggressively the store flushes to disk (§4.2,
// §6 fsync_level).
type FsyncLevel int

const (
	FsyncNone FsyncLevel = iota
	FsyncNormal
	FsyncThorough
)

// Store owns one channel's on-disk sync state for the duration of a run.
type Store struct {
	Paths Paths
	Fsync FsyncLevel

	State  *State
	NewUID [2]int32 // ephemeral per-run newuid watermark (not persisted in State)

	lockFD    *os.File
	journalF  *os.File
	journalW  *bufio.Writer
	lastUsed  int // replay/apply search cursor (§4.2 replay rule)
	journaled bool
}

// Open acquires the channel lock, creates the state directory if needed,
// loads the state file, and replays any journal left by an interrupted
// run. Replay runs whenever jname exists, whether or not a staged nname is
// present: a journal without nname is simply "crashed before Stage W ran".
func Open(paths Paths, fsync FsyncLevel) (*Store, error) {
	if err := os.MkdirAll(paths.Dir(), 0700); err != nil {
		return nil, fmt.Errorf("state: create state dir: %w", err)
	}
	lockFD, err := lockFile(paths.LName)
	if err != nil {
		return nil, err
	}

	st, err := loadStateFile(paths.DName)
	if err != nil {
		lockFD.Close()
		return nil, fmt.Errorf("state: load state file: %w", err)
	}

	s := &Store{Paths: paths, Fsync: fsync, State: st, lockFD: lockFD, NewUID: [2]int32{-1, -1}}

	if jf, jerr := os.Open(paths.JName); jerr == nil {
		entries, rerr := journal.ReadAll(jf)
		jf.Close()
		if rerr != nil {
			s.closeLock()
			return nil, fmt.Errorf("state: replay journal: %w", rerr)
		}
		for _, e := range entries {
			if err := s.Apply(e); err != nil {
				s.closeLock()
				return nil, fmt.Errorf("state: replay journal: %w", err)
			}
		}
	} else if !os.IsNotExist(jerr) {
		s.closeLock()
		return nil, jerr
	}

	return s, nil
}

func (s *Store) closeLock() {
	_ = unlockFile(s.lockFD, s.Paths.LName)
	s.lockFD = nil
}

// BeginJournal opens the journal file for appending (creating it and
// writing the version line if it does not already exist) so that the
// engine can start recording this run's mutations.
func (s *Store) BeginJournal() error {
	f, err := os.OpenFile(s.Paths.JName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.journalF = f
	s.journalW = bufio.NewWriter(f)
	if info.Size() == 0 {
		if _, err := s.journalW.WriteString(journal.Version + "\n"); err != nil {
			return err
		}
		if err := s.journalW.Flush(); err != nil {
			return err
		}
		if s.Fsync != FsyncNone {
			_ = f.Sync()
		}
	}
	return nil
}

// Journal appends one entry to the journal — before the corresponding
// driver call is issued, per §4.2's ordering guarantee — and applies it to
// the in-memory State so the engine's view stays consistent with what is
// now durable.
func (s *Store) Journal(e journal.Entry) error {
	if s.journalW == nil {
		if err := s.BeginJournal(); err != nil {
			return err
		}
	}
	if _, err := s.journalW.WriteString(journal.Encode(e) + "\n"); err != nil {
		return fatalWriteErr(err)
	}
	if s.Fsync == FsyncThorough {
		if err := s.journalW.Flush(); err != nil {
			return fatalWriteErr(err)
		}
		if err := s.journalF.Sync(); err != nil {
			return fatalWriteErr(err)
		}
	} else if s.Fsync == FsyncNormal {
		if err := s.journalW.Flush(); err != nil {
			return fatalWriteErr(err)
		}
	}
	s.journaled = true
	return s.Apply(e)
}

// fatalWriteErr wraps a disk-full/write error on the state files. The
// result is an ordinary error, not a sentinel: neither this package nor
// the engine tells it apart from other errors, so it aborts the run the
// same way any failed stage does, and the process is not exited here.
func fatalWriteErr(err error) error {
	return fmt.Errorf("state: fatal write error (must abort process): %w", err)
}

// find implements the replay/apply matching rule: search from the
// most-recently-used record forward, wrapping once, by (uid_m, uid_s).
func (s *Store) find(m, sVal int32) (*model.SyncRecord, bool) {
	n := len(s.State.Records)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (s.lastUsed + i) % n
		r := s.State.Records[idx]
		if r.UID[model.Master].Encode() == m && r.UID[model.Slave].Encode() == sVal {
			s.lastUsed = idx
			return r, true
		}
	}
	return nil, false
}

// Apply mutates State (and, for newuid ops, Store.NewUID) according to one
// journal entry. Any reference to a non-existing record is fatal per §7.
func (s *Store) Apply(e journal.Entry) error {
	switch e.Op {
	case journal.OpUIDValidity:
		s.State.UIDValidity[model.Master] = e.M
		s.State.UIDValidity[model.Slave] = e.S
		return nil
	case journal.OpMaxMaster:
		s.State.MaxUID[model.Master] = e.M
		return nil
	case journal.OpMaxSlave:
		s.State.MaxUID[model.Slave] = e.M
		return nil
	case journal.OpNewMaster:
		s.NewUID[model.Master] = e.M
		return nil
	case journal.OpNewSlave:
		s.NewUID[model.Slave] = e.M
		return nil
	case journal.OpNewRecord:
		r := model.NewSyncRecord(model.DecodeUID(e.M), model.DecodeUID(e.S))
		s.State.Records = append(s.State.Records, r)
		s.lastUsed = len(s.State.Records) - 1
		return nil
	}

	// Every remaining opcode references an existing record by its current
	// (uid_m, uid_s) key.
	r, ok := s.find(e.M, e.S)
	if !ok {
		return fmt.Errorf("journal: entry %q references unknown record (%d,%d)", string(rune(e.Op)), e.M, e.S)
	}
	switch e.Op {
	case journal.OpDead:
		r.Status |= model.RecDead
	case journal.OpSetTUID:
		r.TUID = e.TUID
	case journal.OpLoseTUID:
		r.TUID = ""
		r.Flags = 0
	case journal.OpBindMaster:
		r.UID[model.Master] = model.DecodeUID(e.Val)
	case journal.OpBindSlave:
		r.UID[model.Slave] = model.DecodeUID(e.Val)
	case journal.OpFlags:
		r.Flags = e.Flags
	case journal.OpExpireSet:
		if e.Val == 1 {
			r.Status |= model.RecExpire
		} else {
			r.Status &^= model.RecExpire
		}
	case journal.OpExpireRevert:
		if r.Status.Has(model.RecExpired) {
			r.Status |= model.RecExpire
		} else {
			r.Status &^= model.RecExpire
		}
	case journal.OpExpireCommit:
		if r.Status.Has(model.RecExpire) {
			r.Status |= model.RecExpired
		} else {
			r.Status &^= model.RecExpired
		}
	default:
		return fmt.Errorf("journal: unhandled opcode %q", string(rune(e.Op)))
	}
	return nil
}

// Compact drops every Dead record before a Commit serializes the new
// state file, matching the invariant that tombstones never survive a
// flush.
func (s *Store) Compact() {
	kept := s.State.Records[:0]
	for _, r := range s.State.Records {
		if !r.Status.Has(model.RecDead) {
			kept = append(kept, r)
		}
	}
	s.State.Records = kept
}

// Commit is Stage W (§4.2, §4.6): write the new state file to nname, fsync
// it per configuration, close the journal, rename nname over dname — the
// linearization point — then unlink the journal. The lock file is removed
// by Close, after the caller is done with the Store entirely.
func (s *Store) Commit() error {
	s.Compact()

	nf, err := os.OpenFile(s.Paths.NName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fatalWriteErr(err)
	}
	if err := encodeState(nf, s.State); err != nil {
		nf.Close()
		return fatalWriteErr(err)
	}
	if s.Fsync != FsyncNone {
		if err := nf.Sync(); err != nil {
			nf.Close()
			return fatalWriteErr(err)
		}
	}
	if err := nf.Close(); err != nil {
		return fatalWriteErr(err)
	}

	if s.journalF != nil {
		if err := s.journalW.Flush(); err != nil {
			return fatalWriteErr(err)
		}
		if err := s.journalF.Close(); err != nil {
			return fatalWriteErr(err)
		}
		s.journalF = nil
		s.journalW = nil
	}

	if err := os.Rename(s.Paths.NName, s.Paths.DName); err != nil {
		return fatalWriteErr(err)
	}
	if s.journaled {
		if err := os.Remove(s.Paths.JName); err != nil && !os.IsNotExist(err) {
			return fatalWriteErr(err)
		}
	}
	s.journaled = false
	return nil
}

// Close releases the lock file. Call after Commit on success, or at any
// point on a failed/canceled run — an un-committed journal is left in
// place intentionally so the next run can replay it.
func (s *Store) Close() error {
	if s.journalF != nil {
		_ = s.journalW.Flush()
		_ = s.journalF.Close()
		s.journalF = nil
	}
	if s.lockFD == nil {
		return nil
	}
	err := unlockFile(s.lockFD, s.Paths.LName)
	s.lockFD = nil
	return err
}
