package amstate

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// WaitForOperatorFix blocks until the stuck patch file at
// dir.Path(msgnum) is removed or replaced, or ctx is cancelled —
// SUPPLEMENTED FEATURES item 2's --watch auto-resume, grounded on the
// teacher's collector.Watch fsnotify setup/select loop. It is the same
// mechanism spec.md Scenario 2 and property P2 already rely on for
// skip-by-removal, just observed instead of requiring a fresh invocation.
func WaitForOperatorFix(ctx context.Context, dir *Dir, msgnum string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not start watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir.Root()); err != nil {
		return fmt.Errorf("could not watch %q: %w", dir.Root(), err)
	}

	target := dir.Path(msgnum)

	// The file may already have been fixed between the failed apply and
	// the watch starting.
	if !pathExists(target) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed unexpectedly")
			}
			if event.Name != target {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				return nil
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed unexpectedly")
			}
			return fmt.Errorf("watch error: %w", werr)
		}
	}
}
