package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WatchLevel follows the config file and applies log.level changes to
// lvl without a restart. The returned stop function releases the
// watcher. No-op when the config came from defaults only.
func WatchLevel(cfg *Config, lvl *slog.LevelVar, logger *slog.Logger) (func(), error) {
	if cfg.Path() == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(cfg.Path()); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Editors replace rather than write in place, so watch
				// for Create as well.
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				v := viper.New()
				v.SetConfigFile(cfg.Path())
				if err := v.ReadInConfig(); err != nil {
					logger.Warn("config reload failed", "err", err)
					continue
				}

				next := ParseLevel(v.GetString("log.level"))
				if next != lvl.Level() {
					logger.Info("log level changed", "level", next.String())
					lvl.Set(next)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "err", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
