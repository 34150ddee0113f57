// Package imapdrv adapts github.com/emersion/go-imap's client onto the
// drv.Driver contract (§4.1), the way internal/imaputil dialed and drove
// an *client.Client directly, generalized from a handful of free
// functions into a stateful driver the engine can hold one of per side.
package imapdrv

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"github.com/mback2k/isync/internal/drv"
	"github.com/mback2k/isync/internal/model"
	"github.com/mback2k/isync/internal/tuid"
)

// Config describes one IMAP endpoint (§6's connection/auth option group).
type Config struct {
	Host         string
	Port         int
	User         string
	Pass         string
	StartTLS     bool
	TLSConfig    *tls.Config
	TrashMailbox string // "" disables server-side trash copy
}

// Driver drives one IMAP mailbox for the engine.
type Driver struct {
	cfg  Config
	c    *client.Client
	mbox string
	opts drv.Opt
}

// Dial connects, authenticates via SASL PLAIN, and returns a ready Driver.
// Authentication goes through go-sasl explicitly rather than the client's
// built-in Login helper, matching the SASL abstraction the rest of the
// example pack models credential exchange with instead of a bespoke
// tag-and-response dance.
func Dial(ctx context.Context, cfg Config) (*Driver, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var c *client.Client
	var err error
	if cfg.StartTLS {
		c, err = client.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("imapdrv: dial: %w", err)
		}
		if err := c.StartTLS(cfg.TLSConfig); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imapdrv: starttls: %w", err)
		}
	} else {
		c, err = client.DialTLS(addr, cfg.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("imapdrv: dial tls: %w", err)
		}
	}

	auth := sasl.NewPlainClient("", cfg.User, cfg.Pass)
	if err := c.Authenticate(auth); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imapdrv: authenticate: %w", err)
	}
	return &Driver{cfg: cfg, c: c}, nil
}

func (d *Driver) PrepareOpts(opts drv.Opt) { d.opts |= opts }

// Capabilities reports DRV_CRLF: every body handed to StoreMsg must use
// CRLF line endings per RFC 3501's literal syntax.
func (d *Driver) Capabilities() drv.Capability { return drv.CRLF }

func (d *Driver) Select(ctx context.Context, name string, create bool) (*drv.MailboxStatus, error) {
	mbox, err := d.c.Select(name, false)
	if err != nil && create {
		if cerr := d.c.Create(name); cerr != nil {
			return nil, fmt.Errorf("%w: create %q: %v", drv.ErrBoxBad, name, cerr)
		}
		mbox, err = d.c.Select(name, false)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select %q: %v", drv.ErrBoxBad, name, err)
	}
	d.mbox = name
	return &drv.MailboxStatus{
		UIDValidity: int32(mbox.UidValidity),
		UIDNext:     int32(mbox.UidNext),
		Count:       int(mbox.Messages),
		Recent:      int(mbox.Recent),
	}, nil
}

func (d *Driver) Load(ctx context.Context, minUID, maxUID, newUID int32, excs []int32) ([]*model.Message, error) {
	seq := new(goimap.SeqSet)
	seq.AddRange(uint32(minUID), uint32(maxUID))
	for _, uid := range excs {
		seq.AddNum(uint32(uid))
	}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchFlags, goimap.FetchInternalDate, goimap.FetchRFC822Size}

	ch := make(chan *goimap.Message, 32)
	done := make(chan error, 1)
	go func() { done <- d.c.UidFetch(seq, items, ch) }()

	var out []*model.Message
	for msg := range ch {
		if msg == nil {
			continue
		}
		out = append(out, &model.Message{
			UID:    int32(msg.Uid),
			Size:   uint(msg.Size),
			Flags:  flagsFromIMAP(msg.Flags),
			Status: model.FlagsFetched | model.TimeFetched,
			Time:   msg.InternalDate,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: uid fetch: %v", drv.ErrBoxBad, err)
	}
	if d.opts.Has(drv.OptFind) {
		if err := d.attachTUIDs(out, newUID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// attachTUIDs fetches the header section of every message at or above
// newUID and extracts an X-TUID tag if present, so Stage M can match
// in-flight copies without a full body re-fetch for older mail.
func (d *Driver) attachTUIDs(msgs []*model.Message, newUID int32) error {
	for _, m := range msgs {
		if m.UID < newUID {
			continue
		}
		header, err := d.fetchSection(m.UID, &goimap.BodySectionName{
			BodyPartName: goimap.BodyPartName{Specifier: goimap.HeaderSpecifier},
			Peek:         true,
		})
		if err != nil {
			continue // a header fetch failing here just means no tuid match
		}
		m.TUID = tuid.ExtractHeader(header)
	}
	return nil
}

func (d *Driver) FetchMsg(ctx context.Context, msg *model.Message) ([]byte, error) {
	body, err := d.fetchSection(msg.UID, &goimap.BodySectionName{})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch body: %v", drv.ErrMsgBad, err)
	}
	return body, nil
}

func (d *Driver) fetchSection(uid int32, section *goimap.BodySectionName) ([]byte, error) {
	seq := new(goimap.SeqSet)
	seq.AddNum(uint32(uid))
	items := []goimap.FetchItem{section.FetchItem()}

	ch := make(chan *goimap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- d.c.UidFetch(seq, items, ch) }()

	var body []byte
	for msg := range ch {
		if msg == nil {
			continue
		}
		if lit := msg.GetBody(section); lit != nil {
			buf := new(bytes.Buffer)
			if _, err := buf.ReadFrom(lit); err != nil {
				<-done
				return nil, err
			}
			body = buf.Bytes()
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if body == nil {
		return nil, drv.ErrMsgBad
	}
	return body, nil
}

// StoreMsg always returns -1: go-imap's Append does not surface the
// APPENDUID response code, so the engine must resolve the destination uid
// through FindNewMsgs's tuid match (§4.3's asynchronous-uid path).
func (d *Driver) StoreMsg(ctx context.Context, data []byte, toTrash bool) (int32, error) {
	target := d.mbox
	if toTrash && d.cfg.TrashMailbox != "" {
		target = d.cfg.TrashMailbox
	}
	if err := d.c.Append(target, nil, time.Now(), bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("%w: append: %v", drv.ErrMsgBad, err)
	}
	return -1, nil
}

func (d *Driver) FindNewMsgs(ctx context.Context, newUID int32) ([]*model.Message, error) {
	return d.Load(ctx, newUID, maxUID32, newUID, nil)
}

const maxUID32 = int32(1<<31 - 1)

func (d *Driver) SetFlags(ctx context.Context, uid int32, add, del model.Flags) error {
	if add != 0 {
		if err := d.storeFlags(uid, goimap.AddFlags, add); err != nil {
			return err
		}
	}
	if del != 0 {
		if err := d.storeFlags(uid, goimap.RemoveFlags, del); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) storeFlags(uid int32, op goimap.FlagsOp, f model.Flags) error {
	seq := new(goimap.SeqSet)
	seq.AddNum(uint32(uid))
	item := goimap.FormatFlagsOp(op, true)
	if err := d.c.UidStore(seq, item, imapFlagsFrom(f), nil); err != nil {
		return fmt.Errorf("%w: store flags: %v", drv.ErrMsgBad, err)
	}
	return nil
}

func (d *Driver) TrashMsg(ctx context.Context, msg *model.Message) error {
	if d.cfg.TrashMailbox == "" {
		return nil
	}
	seq := new(goimap.SeqSet)
	seq.AddNum(uint32(msg.UID))
	if err := d.c.UidCopy(seq, d.cfg.TrashMailbox); err != nil {
		return fmt.Errorf("%w: copy to trash: %v", drv.ErrMsgBad, err)
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if err := d.c.Expunge(nil); err != nil {
		return fmt.Errorf("%w: expunge: %v", drv.ErrBoxBad, err)
	}
	return nil
}

func (d *Driver) Cancel() {}

func (d *Driver) CancelStore() { _ = d.c.Logout() }

// Commit is a no-op: every SetFlags call above already issues its STORE
// synchronously, unlike a driver that batches flag writes.
func (d *Driver) Commit(ctx context.Context) error { return nil }
