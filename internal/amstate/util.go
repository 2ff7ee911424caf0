package amstate

import (
	"bytes"
	"os"
)

// trimDecimal trims ASCII whitespace from a state file's contents before
// parsing it as a decimal integer, so a trailing newline is tolerated even
// though this package writes next/last without one (mirrors the original's
// read_state_file(trim=1)).
func trimDecimal(b []byte) []byte {
	return bytes.TrimSpace(b)
}

func statNoFollow(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}
