package imapdrv

import (
	"strings"

	goimap "github.com/emersion/go-imap"

	"github.com/mback2k/isync/internal/model"
)

var flagTable = []struct {
	bit  model.Flags
	name string
}{
	{model.Draft, goimap.DraftFlag},
	{model.Flagged, goimap.FlaggedFlag},
	{model.Answered, goimap.AnsweredFlag},
	{model.Seen, goimap.SeenFlag},
	{model.Deleted, goimap.DeletedFlag},
}

func flagsFromIMAP(names []string) model.Flags {
	var f model.Flags
	for _, n := range names {
		for _, e := range flagTable {
			if strings.EqualFold(n, e.name) {
				f |= e.bit
			}
		}
	}
	return f
}

func imapFlagsFrom(f model.Flags) []interface{} {
	var out []interface{}
	for _, e := range flagTable {
		if f.Has(e.bit) {
			out = append(out, e.name)
		}
	}
	return out
}
