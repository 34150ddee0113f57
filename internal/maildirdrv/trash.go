package maildirdrv

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/model"
)

// TrashMsg appends the message to a single flat mbox-format archive file
// rather than moving it within the maildir, when a TrashMboxPath is
// configured. This is the local side's answer to an IMAP "Trash" folder:
// one append-only file instead of a second maildir to index.
func (d *Driver) TrashMsg(ctx context.Context, msg *model.Message) error {
	if d.cfg.TrashMboxPath == "" {
		return nil
	}
	m, ok := d.byUID[msg.UID]
	if !ok {
		return drv.ErrMsgBad
	}
	body, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("%w: read: %v", drv.ErrMsgBad, err)
	}

	f, err := os.OpenFile(d.cfg.TrashMboxPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("%w: open trash mbox: %v", drv.ErrMsgBad, err)
	}
	defer f.Close()

	mw := mbox.NewWriter(f)
	w, err := mw.CreateMessage("mbsync", time.Now())
	if err != nil {
		return fmt.Errorf("%w: trash mbox header: %v", drv.ErrMsgBad, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: trash mbox write: %v", drv.ErrMsgBad, err)
	}
	return nil
}
