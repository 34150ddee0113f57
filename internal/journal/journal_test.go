package journal

import (
	"strings"
	"testing"

	"github.com/mback2k/isync/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Entry{
		{Op: OpUIDValidity, M: 1000, S: 2000},
		{Op: OpMaxMaster, M: 42},
		{Op: OpMaxSlave, M: 43},
		{Op: OpNewMaster, M: 1},
		{Op: OpNewSlave, M: 2},
		{Op: OpNewRecord, M: -1, S: -2},
		{Op: OpDead, M: 5, S: 6},
		{Op: OpSetTUID, M: 5, S: 6, TUID: "abcdefghijkl"},
		{Op: OpLoseTUID, M: 5, S: 6},
		{Op: OpBindMaster, M: -2, S: 7, Val: 9},
		{Op: OpBindSlave, M: 9, S: -2, Val: 11},
		{Op: OpFlags, M: 9, S: 11, Flags: model.Seen | model.Flagged},
		{Op: OpExpireSet, M: 9, S: 11, Val: 1},
		{Op: OpExpireSet, M: 9, S: 11, Val: 0},
		{Op: OpExpireRevert, M: 9, S: 11},
		{Op: OpExpireCommit, M: 9, S: 11},
	}
	for _, want := range cases {
		line := Encode(want)
		got, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode(%q): %v", line, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch for %q: got %+v, want %+v", line, got, want)
		}
	}
}

func TestDecodeMalformedLines(t *testing.T) {
	bad := []string{
		"",
		"?? 1 2",
		"| 1",
		"( ",
		"+ 1",
		"# 1 2 short",
		"# 1 2 waytoolongofatag",
		"< 1 2",
		"* 1 2",
		"~ 1 2 7",
	}
	for _, line := range bad {
		if _, err := Decode(line); err == nil {
			t.Fatalf("Decode(%q): expected error, got none", line)
		}
	}
}

func TestReadAllRoundTrip(t *testing.T) {
	entries := []Entry{
		{Op: OpUIDValidity, M: 100, S: 200},
		{Op: OpNewRecord, M: -1, S: -2},
		{Op: OpSetTUID, M: -1, S: -2, TUID: "000000000000"},
		{Op: OpBindSlave, M: -1, S: -2, Val: 5},
		{Op: OpFlags, M: -1, S: 5, Flags: model.Seen},
		{Op: OpMaxMaster, M: 7},
		{Op: OpMaxSlave, M: 5},
	}
	var sb strings.Builder
	sb.WriteString(Version + "\n")
	for _, e := range entries {
		sb.WriteString(Encode(e) + "\n")
	}

	got, err := ReadAll(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestReadAllVersionMismatch(t *testing.T) {
	_, err := ReadAll(strings.NewReader("99\n" + Encode(Entry{Op: OpMaxMaster, M: 1}) + "\n"))
	if err == nil {
		t.Fatal("expected a version mismatch error")
	}
}

func TestReadAllEmptyFile(t *testing.T) {
	if _, err := ReadAll(strings.NewReader("")); err == nil {
		t.Fatal("expected an error for an empty journal")
	}
}

func TestReadAllSkipsBlankLines(t *testing.T) {
	in := Version + "\n\n" + Encode(Entry{Op: OpMaxMaster, M: 3}) + "\n\n"
	got, err := ReadAll(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 1 || got[0].M != 3 {
		t.Fatalf("expected one entry with M=3, got %+v", got)
	}
}
