// Package mailsplit implements the Mail Splitter Driver (spec.md §4.4),
// re-implemented in-process per Design Note 9 rather than shelling a
// separate splitter binary. It writes numbered message files into a
// session directory and reports the highest index written.
package mailsplit

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/emersion/go-maildir"

	"github.com/tamanonymous/gitam/internal/amstate"
)

// Splitter drives mbox and Maildir splitting and implements
// amstate.Splitter.
type Splitter struct{}

// New returns a ready-to-use Splitter.
func New() *Splitter { return &Splitter{} }

// Split writes numbered message files ("NNNN", zero-padded to prec) into
// dir for every message found across paths, in order, and reports the
// index of the last one written. An empty paths list or a single "-"
// reads a single mbox stream from stdin (spec.md §4.3 rule 1).
func (s *Splitter) Split(dir *amstate.Dir, prec int, paths []string) (int, error) {
	effective := paths
	if len(effective) == 0 {
		effective = []string{"-"}
	}

	cur := 0
	write := func(msg []byte) error {
		cur++
		name := fmt.Sprintf("%0*d", prec, cur)
		return dir.WriteAtomic(name, msg)
	}

	for _, p := range effective {
		switch {
		case p == "-":
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return cur, fmt.Errorf("reading stdin: %w", err)
			}
			if err := splitMbox(data, write); err != nil {
				return cur, err
			}
		case isDir(p):
			if err := splitMaildir(p, write); err != nil {
				return cur, err
			}
		default:
			data, err := os.ReadFile(p)
			if err != nil {
				return cur, fmt.Errorf("reading %q: %w", p, err)
			}
			if err := splitMbox(data, write); err != nil {
				return cur, err
			}
		}
	}

	return cur, nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// splitMbox scans data for mboxrd-style "From " envelope lines and calls
// write once per message body, unescaping ">From " quoting the way
// git-mailsplit does (spec.md §4.4, SUPPLEMENTED FEATURES item 4).
func splitMbox(data []byte, write func([]byte) error) error {
	var cur bytes.Buffer
	started := false

	flush := func() error {
		if !started {
			return nil
		}
		err := write(cur.Bytes())
		cur.Reset()
		return err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "From ") {
			if err := flush(); err != nil {
				return err
			}
			started = true
			continue
		}
		if !started {
			// Discard garbage preceding the first envelope line.
			continue
		}

		cur.WriteString(unescapeFromLine(line))
		cur.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// unescapeFromLine strips exactly one leading '>' from a line that
// mboxrd-quotes an embedded "From " line (">From ", ">>From ", ...);
// other lines are returned unchanged.
func unescapeFromLine(line string) string {
	trimmed := strings.TrimLeft(line, ">")
	if len(trimmed) < len(line) && strings.HasPrefix(trimmed, "From ") {
		return line[1:]
	}
	return line
}

// splitMaildir enumerates a Maildir's new then cur entries in delivery
// order via emersion/go-maildir, writing each message's raw contents.
func splitMaildir(path string, write func([]byte) error) error {
	d := maildir.Dir(path)

	newKeys, err := d.Unseen()
	if err != nil {
		return fmt.Errorf("reading maildir %q new entries: %w", path, err)
	}
	curKeys, err := d.Keys()
	if err != nil {
		return fmt.Errorf("reading maildir %q cur entries: %w", path, err)
	}

	sort.Strings(newKeys)
	sort.Strings(curKeys)

	for _, k := range append(newKeys, curKeys...) {
		filename, err := d.Filename(k)
		if err != nil {
			return fmt.Errorf("resolving maildir entry %q: %w", k, err)
		}
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("reading maildir entry %q: %w", filename, err)
		}
		if err := write(data); err != nil {
			return err
		}
	}
	return nil
}
