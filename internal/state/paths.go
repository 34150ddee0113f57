package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// NameConfig captures the inputs to the state file path algorithm (§6).
type NameConfig struct {
	// SyncState is the channel's configured sync_state value. "*" means
	// "derive a path inside the slave store"; empty means fall through to
	// GlobalSyncState.
	SyncState string

	// SlaveStorePath is the slave store's filesystem path, required when
	// SyncState == "*".
	SlaveStorePath string

	// GlobalSyncState is the global sync_state template, used when the
	// channel sets neither SyncState nor "*".
	GlobalSyncState string

	MasterStoreName, SlaveStoreName string
	MasterBoxName, SlaveBoxName     string
}

// clean replaces every '/' with '!' so a hierarchical mailbox name can be
// embedded in a single path component.
func clean(x string) string { return strings.ReplaceAll(x, "/", "!") }

// DName computes the authoritative state file path per §6.
func DName(cfg NameConfig) (string, error) {
	switch {
	case cfg.SyncState == "*":
		if cfg.SlaveStorePath == "" {
			return "", errors.New("state: sync_state \"*\" requires the slave store to have a path")
		}
		return filepath.Join(cfg.SlaveStorePath, ".mbsyncstate"), nil
	case cfg.SyncState != "":
		return cfg.SyncState + clean(cfg.SlaveBoxName), nil
	default:
		if cfg.GlobalSyncState == "" {
			return "", errors.New("state: no sync_state configured for this channel")
		}
		return fmt.Sprintf("%s:%s:%s_:%s:%s",
			cfg.GlobalSyncState,
			cfg.MasterStoreName, clean(cfg.MasterBoxName),
			cfg.SlaveStoreName, clean(cfg.SlaveBoxName),
		), nil
	}
}

// Paths bundles the four files a channel's sync state occupies (§6).
type Paths struct {
	DName string // authoritative state
	JName string // append-only journal
	NName string // staged new state
	LName string // advisory lock
}

// Derive computes the sibling journal/new/lock paths from a state path.
func Derive(dname string) Paths {
	return Paths{
		DName: dname,
		JName: dname + ".journal",
		NName: dname + ".new",
		LName: dname + ".lock",
	}
}

// Dir returns the directory the state files live in.
func (p Paths) Dir() string { return filepath.Dir(p.DName) }
