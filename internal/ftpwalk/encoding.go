package ftpwalk

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrBadEncoding indicates a path or name whose wire bytes do not form
// valid UTF-8.
var ErrBadEncoding = errors.New("name is not valid UTF-8")

// decodeWireString interprets the raw control-connection bytes of a path
// or file name as UTF-8.
//
// FTP servers in the wild announce no encoding; the client library hands
// the wire bytes through untouched. Most servers send UTF-8, some send
// legacy single-byte encodings. Entries that do not decode as UTF-8 are
// rejected here and skipped (with a log line) by the walker rather than
// stored as mojibake.
func decodeWireString(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%q: %w", s, ErrBadEncoding)
	}
	return s, nil
}
