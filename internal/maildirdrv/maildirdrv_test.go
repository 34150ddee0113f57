package maildirdrv

import (
	"context"
	"testing"

	"github.com/mback2k/isync/internal/model"
)

func TestStoreLoadFlagsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := New(Config{Dir: dir})
	ctx := context.Background()

	status, err := d.Select(ctx, "INBOX", true)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if status.Count != 0 {
		t.Fatalf("expected empty fresh mailbox, got count %d", status.Count)
	}

	uid, err := d.StoreMsg(ctx, []byte("Subject: hi\nX-TUID: abcdefghijkl\n\nbody\n"), false)
	if err != nil {
		t.Fatalf("StoreMsg: %v", err)
	}
	if uid != 1 {
		t.Fatalf("expected first stored uid to be 1, got %d", uid)
	}

	msgs, err := d.Load(ctx, 1, 1<<30, 1, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].UID != uid {
		t.Fatalf("expected to load back the stored message, got %+v", msgs)
	}
	if msgs[0].TUID != "abcdefghijkl" {
		t.Fatalf("expected tuid to round-trip, got %q", msgs[0].TUID)
	}

	if err := d.SetFlags(ctx, uid, model.Seen|model.Flagged, 0); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	msgs, err = d.Load(ctx, 1, 1<<30, 1, nil)
	if err != nil {
		t.Fatalf("Load after SetFlags: %v", err)
	}
	if !msgs[0].Flags.Has(model.Seen) || !msgs[0].Flags.Has(model.Flagged) {
		t.Fatalf("expected Seen|Flagged after SetFlags, got %q", msgs[0].Flags)
	}

	if err := d.SetFlags(ctx, uid, model.Deleted, 0); err != nil {
		t.Fatalf("SetFlags delete: %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	msgs, err = d.Load(ctx, 1, 1<<30, 1, nil)
	if err != nil {
		t.Fatalf("Load after Close: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected Close to expunge the Deleted message, got %d left", len(msgs))
	}
}

// TestSelectRoundTripsAcrossInstances verifies uidNext survives a fresh
// Driver re-opening the same directory, matching the on-disk sidecar's job.
func TestSelectRoundTripsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d1 := New(Config{Dir: dir})
	if _, err := d1.Select(ctx, "INBOX", true); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := d1.StoreMsg(ctx, []byte("Subject: a\n\nbody\n"), false); err != nil {
		t.Fatalf("StoreMsg: %v", err)
	}

	d2 := New(Config{Dir: dir})
	status, err := d2.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("reopen select: %v", err)
	}
	if status.Count != 1 {
		t.Fatalf("expected the previously stored message to still be indexed, got count %d", status.Count)
	}
	uid, err := d2.StoreMsg(ctx, []byte("Subject: b\n\nbody\n"), false)
	if err != nil {
		t.Fatalf("StoreMsg: %v", err)
	}
	if uid != 2 {
		t.Fatalf("expected uid allocation to continue from the sidecar, got %d", uid)
	}
}
