package state

import (
	"strings"
	"testing"

	"github.com/mback2k/isync/internal/journal"
	"github.com/mback2k/isync/internal/model"
)

func TestStateRoundTrip(t *testing.T) {
	// S1 from spec.md §8: header "1:2 1:0:2", records "1 1 S" and "2 2 FS".
	const doc = "1:2 1:0:2\n1 1 S\n2 2 FS\n"
	st, err := decodeState(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decodeState: %v", err)
	}
	if st.UIDValidity[model.Master] != 1 || st.MaxUID[model.Master] != 2 {
		t.Fatalf("master header wrong: %+v", st)
	}
	if st.UIDValidity[model.Slave] != 1 || st.SMaxXUID != 0 || st.MaxUID[model.Slave] != 2 {
		t.Fatalf("slave header wrong: %+v", st)
	}
	if len(st.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(st.Records))
	}
	if st.Records[0].Flags.String() != "S" || st.Records[1].Flags.String() != "FS" {
		t.Fatalf("unexpected flags: %q %q", st.Records[0].Flags, st.Records[1].Flags)
	}

	var buf strings.Builder
	if err := encodeState(&buf, st); err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	if buf.String() != doc {
		t.Fatalf("round trip mismatch:\n got: %q\nwant: %q", buf.String(), doc)
	}
}

func TestStateExpiredPrefix(t *testing.T) {
	const doc = "5:10 5:3:12\n10 11 XFS\n"
	st, err := decodeState(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decodeState: %v", err)
	}
	r := st.Records[0]
	if !r.Status.Has(model.RecExpired) {
		t.Fatalf("expected Expired status bit set")
	}
	if r.Flags.String() != "FS" {
		t.Fatalf("expected flags FS without X prefix, got %q", r.Flags)
	}
	var buf strings.Builder
	if err := encodeState(&buf, st); err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	if buf.String() != doc {
		t.Fatalf("round trip mismatch:\n got: %q\nwant: %q", buf.String(), doc)
	}
}

func TestDeadRecordsOmittedOnFlush(t *testing.T) {
	st := newState()
	r1 := model.NewSyncRecord(model.DecodeUID(1), model.DecodeUID(1))
	r2 := model.NewSyncRecord(model.DecodeUID(2), model.DecodeUID(2))
	r2.Status |= model.RecDead
	st.Records = []*model.SyncRecord{r1, r2}

	s := &Store{State: st}
	s.Compact()
	if len(s.State.Records) != 1 {
		t.Fatalf("expected dead record compacted away, got %d records", len(s.State.Records))
	}
}

func TestApplyNewRecordThenBind(t *testing.T) {
	s := &Store{State: newState()}
	if err := s.Apply(journal.Entry{Op: journal.OpNewRecord, M: 0, S: -2}); err != nil {
		t.Fatalf("apply +: %v", err)
	}
	if err := s.Apply(journal.Entry{Op: journal.OpSetTUID, M: 0, S: -2, TUID: "abcdefghijkl"}); err != nil {
		t.Fatalf("apply #: %v", err)
	}
	if err := s.Apply(journal.Entry{Op: journal.OpBindSlave, M: 0, S: -2, Val: 7}); err != nil {
		t.Fatalf("apply >: %v", err)
	}
	r := s.State.Records[0]
	if r.UID[model.Slave].State != model.UIDBound || r.UID[model.Slave].UID != 7 {
		t.Fatalf("expected slave bound to uid 7, got %+v", r.UID[model.Slave])
	}
}

func TestApplyUnknownRecordIsFatal(t *testing.T) {
	s := &Store{State: newState()}
	if err := s.Apply(journal.Entry{Op: journal.OpDead, M: 9, S: 9}); err == nil {
		t.Fatalf("expected error referencing a non-existing record")
	}
}
