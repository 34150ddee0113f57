package state

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mback2k/isync/internal/model"
)

// State is the authoritative, persisted half of a channel's sync state
// (§4.2): the uid-validity baseline, per-side high-water marks, the
// highest slave uid ever expired under the message-cap policy, and the
// live sync records.
type State struct {
	UIDValidity [2]int32 // -1 if never set
	MaxUID      [2]int32
	SMaxXUID    int32 // highest slave uid ever expired (§3.4 smaxxuid)
	Records     []*model.SyncRecord
}

func newState() *State {
	return &State{UIDValidity: [2]int32{-1, -1}}
}

func atoi32(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// loadStateFile parses the §4.2 state file format. A missing file is not
// an error: it means a fresh channel.
func loadStateFile(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}
	defer f.Close()
	return decodeState(f)
}

func decodeState(r io.Reader) (*State, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("state: empty file, expected header")
	}
	header := sc.Text()
	cols := strings.Fields(header)
	if len(cols) != 2 {
		return nil, fmt.Errorf("state: malformed header %q", header)
	}
	mTok := strings.SplitN(cols[0], ":", 2)
	sTok := strings.SplitN(cols[1], ":", 3)
	if len(mTok) != 2 || len(sTok) != 3 {
		return nil, fmt.Errorf("state: malformed header %q", header)
	}
	st := newState()
	var err error
	if st.UIDValidity[model.Master], err = atoi32(mTok[0]); err != nil {
		return nil, fmt.Errorf("state: bad master uidvalidity in %q: %w", header, err)
	}
	if st.MaxUID[model.Master], err = atoi32(mTok[1]); err != nil {
		return nil, fmt.Errorf("state: bad master maxuid in %q: %w", header, err)
	}
	if st.UIDValidity[model.Slave], err = atoi32(sTok[0]); err != nil {
		return nil, fmt.Errorf("state: bad slave uidvalidity in %q: %w", header, err)
	}
	if st.SMaxXUID, err = atoi32(sTok[1]); err != nil {
		return nil, fmt.Errorf("state: bad smaxxuid in %q: %w", header, err)
	}
	if st.MaxUID[model.Slave], err = atoi32(sTok[2]); err != nil {
		return nil, fmt.Errorf("state: bad slave maxuid in %q: %w", header, err)
	}

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 && len(fields) != 3 {
			return nil, fmt.Errorf("state: malformed record line %q", line)
		}
		mu, err := atoi32(fields[0])
		if err != nil {
			return nil, fmt.Errorf("state: bad master uid in %q: %w", line, err)
		}
		su, err := atoi32(fields[1])
		if err != nil {
			return nil, fmt.Errorf("state: bad slave uid in %q: %w", line, err)
		}
		flagsStr := "" // a record with no flags is written as "UID_M UID_S "
		if len(fields) == 3 {
			flagsStr = fields[2]
		}
		expired := strings.HasPrefix(flagsStr, "X")
		if expired {
			flagsStr = flagsStr[1:]
		}
		r := model.NewSyncRecord(model.DecodeUID(mu), model.DecodeUID(su))
		r.Flags = model.ParseFlags(flagsStr)
		if expired {
			r.Status |= model.RecExpired
		}
		st.Records = append(st.Records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

// encodeState writes the §4.2 state file format. Dead records are omitted
// per the invariant that tombstones never survive a flush.
func encodeState(w io.Writer, st *State) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d:%d %d:%d:%d\n",
		st.UIDValidity[model.Master], st.MaxUID[model.Master],
		st.UIDValidity[model.Slave], st.SMaxXUID, st.MaxUID[model.Slave],
	); err != nil {
		return err
	}
	for _, r := range st.Records {
		if r.Status.Has(model.RecDead) {
			continue
		}
		prefix := ""
		if r.Status.Has(model.RecExpired) {
			prefix = "X"
		}
		if _, err := fmt.Fprintf(bw, "%d %d %s%s\n",
			r.UID[model.Master].Encode(), r.UID[model.Slave].Encode(),
			prefix, r.Flags.String(),
		); err != nil {
			return err
		}
	}
	return bw.Flush()
}
