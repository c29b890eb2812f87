package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"aniwatch/pkg/logx"
)

// Watch reloads the config file on change and calls fn with each successfully
// parsed result. Editors tend to fire several events per save (and some
// replace the file), so events are debounced and the parent directory is
// watched rather than the file itself.
//
// Watch blocks until ctx is cancelled. A config that fails to parse is logged
// and skipped; the previous config stays in effect.
func Watch(ctx context.Context, path string, log logx.Logger, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(250 * time.Millisecond)
				pendingC = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(250 * time.Millisecond)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", logx.Err(err))
		case <-pendingC:
			pending = nil
			pendingC = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed; keeping previous config", logx.Err(err))
				continue
			}
			log.Info("config reloaded", logx.String("path", path))
			fn(cfg)
		}
	}
}
