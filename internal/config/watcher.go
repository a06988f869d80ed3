package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// Watcher picks up external edits to the config file (text editor, sync
// tools) and replaces the in-memory document, which raises the same
// config.changed diff as an in-process Set.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
}

// NewWatcher starts watching the store's backing file. Call Close to stop.
func NewWatcher(s *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(s.Path()); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	w := &Watcher{
		store:   s,
		watcher: fsw,
		logger:  xlog.WithComponent("config.watcher"),
		done:    make(chan struct{}),
	}
	return w, nil
}

// Run processes file events until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reloadFromDisk()
			// Editors replace-by-rename; re-add so we keep following the path.
			_ = w.watcher.Add(w.store.Path())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watch error")
		}
	}
}

func (w *Watcher) reloadFromDisk() {
	raw, err := os.ReadFile(w.store.Path())
	if err != nil {
		w.logger.Warn().Err(err).Msg("config changed on disk but unreadable")
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		w.logger.Warn().Err(err).Msg("ignoring malformed external config edit")
		return
	}
	diff := w.store.Replace(doc)
	if len(diff.ChangedKeys) > 0 {
		w.logger.Info().Strs("keys", diff.Keys()).Msg("config reloaded from disk")
	}
}

// Close stops the watcher and waits for Run to return.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
