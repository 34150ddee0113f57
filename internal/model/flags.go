package model

import "strings"

// Flags is a bitset over the five flags the engine synchronizes. Bit order
// matches the on-disk letter order (D, F, R, S, T) so encoding is a single
// pass over the constants.
type Flags uint8

const (
	Draft Flags = 1 << iota
	Flagged
	Answered
	Seen
	Deleted
)

// letterOrder pairs each flag bit with its canonical state-file letter, in
// the exact order §4.2 specifies.
var letterOrder = []struct {
	bit    Flags
	letter byte
}{
	{Draft, 'D'},
	{Flagged, 'F'},
	{Answered, 'R'},
	{Seen, 'S'},
	{Deleted, 'T'},
}

// String renders the canonical letter form, e.g. "FS" for Flagged|Seen.
func (f Flags) String() string {
	var b strings.Builder
	for _, e := range letterOrder {
		if f&e.bit != 0 {
			b.WriteByte(e.letter)
		}
	}
	return b.String()
}

// ParseFlags decodes the canonical letter form back into a bitset. Unknown
// letters are ignored so that forward-compatible state files degrade
// gracefully instead of aborting the run.
func ParseFlags(s string) Flags {
	var f Flags
	for i := 0; i < len(s); i++ {
		for _, e := range letterOrder {
			if s[i] == e.letter {
				f |= e.bit
			}
		}
	}
	return f
}

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }
