package dropbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/decorate"
)

// Local is a drop on a locally mounted filesystem.
type Local struct {
	log *slog.Logger
}

type options struct {
	logger *slog.Logger
}

// Options represents an optional function to override drop default values.
type Options func(*options)

// WithLogger sets the logger used by the drop.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// NewLocal returns a drop on the local filesystem.
func NewLocal(args ...Options) *Local {
	opts := options{
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Local{log: opts.logger}
}

// List returns the entries of dir.
func (l Local) List(ctx context.Context, dir string) (files []FileInfo, err error) {
	defer decorate.OnError(&err, "could not list %q", dir)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.FromSlash(dir))
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed since listed.
			l.log.Debug("Skipping vanished entry", "dir", dir, "name", e.Name(), "err", err)
			continue
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Regular: info.Mode().IsRegular(),
		})
	}
	return files, nil
}

// Fetch copies the content of remotePath to w.
func (l Local) Fetch(ctx context.Context, remotePath string, w io.Writer) (err error) {
	defer decorate.OnError(&err, "could not fetch %q", remotePath)

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(filepath.FromSlash(remotePath))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, &ctxReader{ctx: ctx, r: f})
	return err
}

// Move renames src to dst, replacing dst if it exists.
func (l Local) Move(ctx context.Context, src, dst string) (err error) {
	defer decorate.OnError(&err, "could not move %q to %q", src, dst)

	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(filepath.FromSlash(src), filepath.FromSlash(dst))
}

// EnsureDir creates dir and its parents if they do not exist.
func (l Local) EnsureDir(ctx context.Context, dir string) (err error) {
	defer decorate.OnError(&err, "could not create %q", dir)

	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(filepath.FromSlash(dir), 0750)
}

// Close does nothing for a local drop.
func (l Local) Close() error {
	return nil
}

// Watch notifies when files are created, written or renamed into dir.
//
// Events are coalesced: a notification means that at least one change happened since the previous one was received.
// It returns two channels: one for changes and one for unrecoverable watcher errors. Both are closed when ctx is done.
func (l Local) Watch(ctx context.Context, dir string) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	if err := watcher.Add(filepath.FromSlash(dir)); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", dir, err)
	}

	l.log.Info("Watching drop directory", "dir", dir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				l.log.Debug("Drop directory watcher stopped", "dir", dir)
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				l.log.Debug("Drop directory changed", "event", event.String())
				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				l.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// ctxReader stops reading once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
