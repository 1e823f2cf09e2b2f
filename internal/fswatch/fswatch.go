// Package fswatch implements the file-watcher actor: a single goroutine
// selecting on an fsnotify.Watcher's Events and Errors channels, adapted
// from the teacher's coffer and i18n asset watchers (both of which run the
// exact same select loop, one per subsystem) into one shared, multi-path,
// multi-recipient watcher.
package fswatch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetd/fleetd/internal/logging"
)

// Event announces that the file or directory at AbsolutePath changed.
type Event struct {
	AbsolutePath string
}

// Recipient receives FsWatchEvent broadcasts. The supervisor implements
// this to learn about configuration file changes.
type Recipient interface {
	NotifyFsWatchEvent(Event)
}

// WatchError is returned when the underlying fsnotify.Watcher refuses to
// add a path (missing file, no permission, too many watches).
type WatchError struct {
	Path  string
	Cause error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("fswatch: failed to watch %q: %v", e.Path, e.Cause)
}

func (e *WatchError) Unwrap() error { return e.Cause }

type watchRequest struct {
	path       string
	recipients []Recipient
	reply      chan error
}

// Watcher is the file-watcher actor. Construct with New, then send it
// WatchPath requests; it broadcasts FsWatchEvent to every recipient
// registered for a watched path, non-recursively, filtering out
// metadata-only (permission/ownership) changes.
//
// There is no unsubscribe: recipients accumulate for the lifetime of a
// watched path, mirroring the append-only recipients list design.
type Watcher struct {
	logger  *logging.Logger
	fsw     *fsnotify.Watcher
	mailbox chan watchRequest
	closed  chan struct{}
}

// New starts the underlying OS watcher. Call Run in its own goroutine
// before sending any WatchPath request.
func New(logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatch: failed to create watcher: %w", err)
	}

	return &Watcher{
		logger:  logger,
		fsw:     fsw,
		mailbox: make(chan watchRequest),
		closed:  make(chan struct{}),
	}, nil
}

// WatchPath registers path (a file or a directory, watched
// non-recursively) and appends recipients to the list notified whenever
// fsnotify reports a content change under path.
func (w *Watcher) WatchPath(ctx context.Context, path string, recipients ...Recipient) error {
	req := watchRequest{path: path, recipients: recipients, reply: make(chan error, 1)}

	select {
	case w.mailbox <- req:
	case <-w.closed:
		return fmt.Errorf("fswatch: watcher is closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the watcher's single-threaded event loop. It returns when ctx is
// canceled, after closing the underlying fsnotify.Watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.closed)
	defer w.fsw.Close()

	recipientsByPath := map[string][]Recipient{}

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-w.mailbox:
			if _, already := recipientsByPath[req.path]; !already {
				if err := w.fsw.Add(req.path); err != nil {
					req.reply <- &WatchError{Path: req.path, Cause: err}
					continue
				}
			}
			recipientsByPath[req.path] = append(recipientsByPath[req.path], req.recipients...)
			req.reply <- nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev, recipientsByPath)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Errorf("fswatch: watcher error: %v", err)
			}
		}
	}
}

// metadataOnly reports whether op carries no content-changing bits, e.g. a
// bare Chmod, which the fleet has no reason to react to.
func metadataOnly(op fsnotify.Op) bool {
	const content = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	return op&content == 0
}

func (w *Watcher) handleEvent(ev fsnotify.Event, recipientsByPath map[string][]Recipient) {
	if metadataOnly(ev.Op) {
		return
	}

	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		abs = ev.Name
	}

	dir := filepath.Dir(abs)

	recipients := recipientsByPath[abs]
	recipients = append(recipients, recipientsByPath[dir]...)

	if w.logger != nil {
		w.logger.Debugf("fswatch: %s changed (%s)", abs, ev.Op)
	}

	for _, r := range recipients {
		r.NotifyFsWatchEvent(Event{AbsolutePath: abs})
	}
}
