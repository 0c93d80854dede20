// Package logging provides the process-wide structured logger. The
// level lives in a LevelVar so the config watcher can retune a running
// node.
package logging

import (
	"context"
	"log/slog"
	"os"

	"go.uber.org/fx"

	"github.com/opalchat/chat-replica-service/config"
)

func NewLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(cfg.LogLevel())

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch cfg.Log.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("node", cfg.Node.ID))
	slog.SetDefault(logger)
	return logger, lvl
}

var Module = fx.Module("logging",
	fx.Provide(NewLogger),

	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, lvl *slog.LevelVar, logger *slog.Logger) {
		var stop func()
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				var err error
				stop, err = config.WatchLevel(cfg, lvl, logger)
				return err
			},
			OnStop: func(context.Context) error {
				if stop != nil {
					stop()
				}
				return nil
			},
		})
	}),
)
