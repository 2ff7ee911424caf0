// Package amstate implements the persistent session directory and the
// patch-application state machine that drives it.
package amstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Dir.Read when the requested state file does
// not exist. Any other read failure is fatal at the call site.
var ErrNotFound = errors.New("state file not found")

// Dir owns a filesystem directory holding a session's persistent
// artifacts, and exposes atomic primitives relative to it.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root. It does not create the directory;
// callers create it explicitly via Create.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the absolute path to the session directory.
func (d *Dir) Root() string {
	return d.root
}

// Path returns the absolute path of name relative to the session
// directory.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name)
}

// Exists reports whether the session directory itself exists and is a
// directory.
func (d *Dir) Exists() bool {
	st, err := os.Lstat(d.root)
	return err == nil && st.IsDir()
}

// Create makes the session directory, tolerating EEXIST (mirrors mkdir's
// "permit already-exists" semantics in spec.md §4.7 setup()).
func (d *Dir) Create() error {
	if err := os.Mkdir(d.root, 0o777); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create directory %q: %w", d.root, err)
	}
	return nil
}

// Read returns the contents of name in the session directory. It returns
// ErrNotFound iff the file does not exist; any other error is fatal.
func (d *Dir) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not read %q: %w", d.Path(name), err)
	}
	return data, nil
}

// IsRegular reports whether name exists in the session directory and is a
// regular file.
func (d *Dir) IsRegular(name string) bool {
	st, err := os.Lstat(d.Path(name))
	return err == nil && st.Mode().IsRegular()
}

// WriteAtomic writes data to name via a temp file in the same directory
// followed by os.Rename, so a concurrent reader always observes either the
// previous contents or the complete new contents — never a partial write.
func (d *Dir) WriteAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.root, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("could not write to %q: %w", d.Path(name), err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write to %q: %w", d.Path(name), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("could not write to %q: %w", d.Path(name), err)
	}
	if err = os.Rename(tmpName, d.Path(name)); err != nil {
		return fmt.Errorf("could not write to %q: %w", d.Path(name), err)
	}
	return nil
}

// Remove deletes name from the session directory. It is a no-op if the
// file is already gone.
func (d *Dir) Remove(name string) error {
	if err := os.Remove(d.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove %q: %w", d.Path(name), err)
	}
	return nil
}

// Destroy recursively removes the session directory. It is idempotent.
func (d *Dir) Destroy() error {
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("could not remove %q: %w", d.root, err)
	}
	return nil
}
