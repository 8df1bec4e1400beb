// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/soundry-audio/collabd/internal/log"
)

// WatchLogLevel watches the config file and applies log level changes at
// runtime. Only the log level is hot-reloadable; every other option is fixed
// at handshake time and a restart is the honest way to change it.
func WatchLogLevel(ctx context.Context, path string) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files on save, which drops the
	// watch if it is attached to the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := log.WithComponent("config")
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg := Defaults()
			if err := mergeFile(&cfg, path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("config reload skipped, file unreadable")
				continue
			}
			if log.SetLevel(cfg.LogLevel) {
				logger.Info().Str("level", cfg.LogLevel).Msg("log level reloaded")
			} else {
				logger.Warn().Str("level", cfg.LogLevel).Msg("config reload skipped, invalid log level")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
