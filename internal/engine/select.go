package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/mback2k/isync/internal/journal"
	"github.com/mback2k/isync/internal/model"
	"golang.org/x/sync/errgroup"
)

// canonicalName applies the INBOX-mapping and hierarchy-flattening rules of
// §6 to a configured mailbox name before it is handed to a driver. A name
// that already contains the flat delimiter would flatten ambiguously, so
// that case is rejected as a configuration error instead of silently
// mangling the name (§4.4 Stage S, §7).
func canonicalName(sc SideConfig) (string, error) {
	name := sc.Name
	if sc.MapInbox {
		return "INBOX", nil
	}
	if sc.FlatDelim != 0 {
		if strings.ContainsRune(name, rune(sc.FlatDelim)) {
			return "", fmt.Errorf("engine: mailbox name %q already contains flat delimiter %q", name, string(rune(sc.FlatDelim)))
		}
		name = strings.ReplaceAll(name, "/", string(rune(sc.FlatDelim)))
	}
	return name, nil
}

// stageSelect is Stage S: open both mailboxes concurrently. A bad-callback
// on one side marks that side's result bit and, via errgroup, cancels the
// other side's in-flight Select.
func (e *Engine) stageSelect(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range model.Sides {
		side := side
		g.Go(func() error {
			name, err := canonicalName(e.Cfg.Side[side])
			if err != nil {
				return err
			}
			e.boxName[side] = name
			mbox, err := e.Drv[side].Select(gctx, name, e.Cfg.Ops[side].Has(OpCreate))
			if err != nil {
				e.Drv[side].CancelStore()
				e.ret |= badSide(side)
				return fmt.Errorf("select %s: %w", side, err)
			}
			e.mbox[side] = mbox
			e.capFlags[side] = e.Drv[side].Capabilities()
			return nil
		})
	}
	return g.Wait()
}

// checkUIDValidity implements §4.2's fresh-channel/validity-mismatch rule:
// an unset baseline is recorded on first contact; a baseline that no longer
// matches the mailbox's reported uidvalidity is fatal for this channel,
// since every persisted uid binding is now meaningless (§7).
func (e *Engine) checkUIDValidity() error {
	if e.store.State.UIDValidity[model.Master] == -1 || e.store.State.UIDValidity[model.Slave] == -1 {
		return e.store.Journal(journal.Entry{
			Op: journal.OpUIDValidity,
			M:  e.mbox[model.Master].UIDValidity,
			S:  e.mbox[model.Slave].UIDValidity,
		})
	}
	for _, side := range model.Sides {
		if e.store.State.UIDValidity[side] != e.mbox[side].UIDValidity {
			return fmt.Errorf("engine: uidvalidity mismatch on %s: state has %d, mailbox reports %d",
				side, e.store.State.UIDValidity[side], e.mbox[side].UIDValidity)
		}
	}
	return nil
}
