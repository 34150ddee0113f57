// Package tuid implements the TUID tracking-header injection and CRLF
// conversion described in §4.3: when a message is copied from one side to
// the other, the engine rewrites (or inserts) an X-TUID header and
// transforms line endings to match the destination driver.
package tuid

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mback2k/isync/internal/model"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// New draws a fresh 12-character tracking tag from crypto/rand. Global
// uniqueness within a channel is not required (§4.3); collision
// probability at this alphabet size and length is negligible, so a plain
// CSPRNG draw is the correct boundary primitive — no keyed-stream library
// appears anywhere in the pack for this shape of problem.
func New() (string, error) {
	var raw [model.TUIDLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("tuid: generate: %w", err)
	}
	out := make([]byte, model.TUIDLen)
	for i, b := range raw {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

const headerName = "X-TUID: "

// ErrNoBoundary means the message has no header/body separator line, so
// §4.3's injection cannot locate where to place the header; the caller
// must fail the copy with NoGood.
var ErrNoBoundary = fmt.Errorf("tuid: message has no header/body boundary")

// scanResult summarizes what was observed while scanning headers: whether any
// header line ended CRLF, and where the header/body boundary byte offset
// is (pointing at the first byte of the blank line's terminator).
type scanResult struct {
	headerEnd int  // offset of the existing "X-TUID: ..." line to replace, or -1
	headerLen int  // length of that line including its terminator, if headerEnd >= 0
	boundary  int  // offset of the header/body blank-line boundary
	boundLen  int  // length of the blank line's terminator ("\n" or "\r\n")
	sawCR     bool // a header line used \r\n
}

// scan walks raw linearly, recording the first "X-TUID: " header it meets,
// and stops at the header/body blank line, per §4.3 step 2. A message with
// no blank line yields ErrNoBoundary even if it has an X-TUID header.
func scan(raw []byte) (scanResult, error) {
	res := scanResult{headerEnd: -1, boundary: -1}
	i := 0
	for i < len(raw) {
		lineStart := i
		nl := indexByte(raw[i:], '\n')
		if nl < 0 {
			return res, ErrNoBoundary
		}
		lineEnd := i + nl + 1 // exclusive, includes '\n'
		term := 1
		hasCR := lineEnd-2 >= lineStart && raw[lineEnd-2] == '\r'
		if hasCR {
			term = 2
		}
		contentLen := (lineEnd - term) - lineStart
		if contentLen == 0 {
			// Blank line: header/body boundary.
			res.boundary = lineStart
			res.boundLen = term
			return res, nil
		}
		if hasCR {
			res.sawCR = true
		}
		if res.headerEnd < 0 && hasPrefixFold(raw[lineStart:lineStart+contentLen], headerName) {
			res.headerEnd = lineStart
			res.headerLen = lineEnd - lineStart
		}
		i = lineEnd
	}
	return res, ErrNoBoundary
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// hasPrefixFold reports whether s starts with prefix, matched
// case-sensitively as §4.3 specifies ("the first header named
// `X-TUID: `" — case-sensitive).
func hasPrefixFold(s []byte, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return string(s[:len(prefix)]) == prefix
}

// Inject implements §4.3 steps 2-3: it returns raw with the X-TUID header
// set to tag, replacing the first existing X-TUID header or inserting one
// just before the header/body boundary. destCanCRLF reports whether the
// destination driver takes CRLF (DRV_CRLF). raw counts as CRLF when at
// least one header line ends in "\r\n"; when that differs from
// destCanCRLF, every line ending, the injected header's included, is
// converted to the destination's form.
func Inject(raw []byte, tag string, destCanCRLF bool) ([]byte, error) {
	res, err := scan(raw)
	if err != nil {
		return nil, err
	}
	useCRLF := destCanCRLF
	nl := "\n"
	if useCRLF {
		nl = "\r\n"
	}
	newHeader := []byte(headerName + tag + nl)

	var out []byte
	switch {
	case res.headerEnd >= 0:
		out = make([]byte, 0, len(raw)-res.headerLen+len(newHeader))
		out = append(out, raw[:res.headerEnd]...)
		out = append(out, newHeader...)
		out = append(out, raw[res.headerEnd+res.headerLen:]...)
	default:
		out = make([]byte, 0, len(raw)+len(newHeader))
		out = append(out, raw[:res.boundary]...)
		out = append(out, newHeader...)
		out = append(out, raw[res.boundary:]...)
	}

	srcWasCRLF := res.sawCR
	if srcWasCRLF != useCRLF {
		out = convertLineEndings(out, useCRLF)
	}
	return out, nil
}

// ExtractHeader reads an already-fetched header (or full body) blob and
// returns the X-TUID tag it carries, or "" if none. Both drivers use this
// to read back what Inject wrote, rather than each re-implementing the
// same scan.
func ExtractHeader(raw []byte) string {
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if hasPrefixFold([]byte(line), headerName) {
			tag := line[len(headerName):]
			if len(tag) == model.TUIDLen {
				return tag
			}
		}
	}
	return ""
}

// convertLineEndings strips CR before LF (toCRLF == false) or inserts CR
// before every LF not already preceded by one (toCRLF == true), matching
// §4.3 step 3. It is a second, separate pass from header injection
// (Design Notes: "a cleaner factoring is two passes").
func convertLineEndings(b []byte, toCRLF bool) []byte {
	out := make([]byte, 0, len(b)+len(b)/16+1)
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c == '\r' {
			if !toCRLF {
				continue // drop bare CR when target is LF-only
			}
			out = append(out, c)
			continue
		}
		if c == '\n' {
			if toCRLF && (len(out) == 0 || out[len(out)-1] != '\r') {
				out = append(out, '\r')
			}
			out = append(out, c)
			continue
		}
		out = append(out, c)
	}
	return out
}
