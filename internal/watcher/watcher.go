// Package watcher adapts fsnotify to a recursive per-root RawStream.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/Ning0612/Meshsync/internal/core/ignore"
	"github.com/Ning0612/Meshsync/internal/core/normalize"
	"github.com/Ning0612/Meshsync/internal/logger"
)

const eventBuffer = 4096

// Watcher watches a directory tree. fsnotify is not recursive, so every
// directory gets its own watch and new directories are added as they appear.
type Watcher struct {
	root   string
	fs     afero.Fs
	ignore *ignore.List
	fsw    *fsnotify.Watcher
	log    logger.Logger

	events chan normalize.RawEvent
	errors chan error

	once sync.Once
	wg   sync.WaitGroup
}

var _ normalize.RawStream = (*Watcher)(nil)

// New registers watches for root and every directory below it
func New(root string, ign *ignore.List) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		root:   root,
		fs:     afero.NewOsFs(),
		ignore: ign,
		fsw:    fsw,
		log:    logger.With("component", "watcher", "root", root),
		events: make(chan normalize.RawEvent, eventBuffer),
		errors: make(chan error, 16),
	}

	if err := w.addTree(context.Background(), root, false); err != nil {
		// Release the handles of already registered directories
		if cerr := fsw.Close(); cerr != nil {
			w.log.Warn("failed to close watcher", "error", cerr)
		}
		return nil, fmt.Errorf("watch %q: %w", root, err)
	}
	return w, nil
}

// Start forwards notifications until ctx is done or Close is called
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.events)
		w.loop(ctx)
	}()
}

func (w *Watcher) Events() <-chan normalize.RawEvent { return w.events }
func (w *Watcher) Errors() <-chan error              { return w.errors }

// Close stops the watcher and waits for the forwarding goroutine
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.fail(err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := w.fs.Stat(ev.Name); err == nil && info.IsDir() {
			// Files may land in the directory before its watch exists
			if err := w.addTree(ctx, ev.Name, true); err != nil {
				w.fail(fmt.Errorf("watch new directory %q: %w", ev.Name, err))
			}
		}
	}

	w.send(ctx, normalize.RawEvent{Path: ev.Name, Op: convertOp(ev.Op), Time: time.Now()})
}

// addTree watches dir and its subdirectories. With synthesize set, a Create
// is emitted for every file found.
func (w *Watcher) addTree(ctx context.Context, dir string, synthesize bool) error {
	return afero.Walk(w.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path != dir && w.ignored(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return err
			}
			return nil
		}
		if synthesize && info.Mode().IsRegular() {
			w.send(ctx, normalize.RawEvent{Path: path, Op: normalize.OpCreate, Time: time.Now()})
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	return w.ignore.ShouldIgnore(filepath.ToSlash(rel))
}

func (w *Watcher) send(ctx context.Context, ev normalize.RawEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *Watcher) fail(err error) {
	select {
	case w.errors <- err:
	default:
		w.log.Warn("dropping watcher error", "error", err)
	}
}

func convertOp(op fsnotify.Op) normalize.Op {
	var out normalize.Op
	if op.Has(fsnotify.Create) {
		out |= normalize.OpCreate
	}
	if op.Has(fsnotify.Write) {
		out |= normalize.OpWrite
	}
	if op.Has(fsnotify.Remove) {
		out |= normalize.OpRemove
	}
	if op.Has(fsnotify.Rename) {
		out |= normalize.OpRename
	}
	if op.Has(fsnotify.Chmod) {
		out |= normalize.OpChmod
	}
	return out
}
