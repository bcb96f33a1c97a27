package wsconfig

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cockpit-project/cockpit-ws/internal/wslog"
)

var log = wslog.For("wsconfig")

// Watcher reloads a config file on SIGHUP or on seeing it change on
// disk, and hands the freshly loaded Config to onReload: SIGHUP reloads
// immediately; a write/create event reloads after a short debounce
// sleep; a rename or remove event waits out the debounce, checks the path
// still exists, and re-adds it to the underlying fsnotify watch.
type Watcher struct {
	path     string
	onReload func(*Config)
	fsw      *fsnotify.Watcher
	sigCh    chan os.Signal
}

// NewWatcher creates a Watcher for path. If the filesystem watcher
// cannot be created (e.g. inotify exhaustion), Watcher still reloads
// on SIGHUP; the failure is logged, not returned, so a noisy
// filesystem never takes down config reload entirely.
func NewWatcher(path string, onReload func(*Config)) *Watcher {
	w := &Watcher{
		path:     path,
		onReload: onReload,
		sigCh:    make(chan os.Signal, 1),
	}
	signal.Notify(w.sigCh, syscall.SIGHUP)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("failed to create config file watcher: %v", err)
		return w
	}
	if err := fsw.Add(path); err != nil {
		log.Warnf("failed to watch config file %s: %v", path, err)
		_ = fsw.Close()
		return w
	}
	w.fsw = fsw
	return w
}

// Run drives the watcher until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer signal.Stop(w.sigCh)
	defer w.Close()

	var events <-chan fsnotify.Event
	var errors <-chan error
	if w.fsw != nil {
		events = w.fsw.Events
		errors = w.fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.sigCh:
			log.Infof("received SIGHUP, reloading configuration")
			w.reload()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}

			if ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(w.path); os.IsNotExist(err) {
					log.Warnf("config file was removed and not replaced, skipping reload")
					continue
				}
				if err := w.fsw.Add(w.path); err != nil {
					log.Warnf("failed to re-add config file to watcher: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}

			log.Infof("config file changed, reloading configuration")
			w.reload()

		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			log.Warnf("config file watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Errorf("reloading configuration: %v", err)
		return
	}
	w.onReload(cfg)
}

// Close releases the underlying filesystem watcher, if one was opened.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
