package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"briefmatch/internal/config"
	"briefmatch/internal/db"
	"briefmatch/internal/engine"
	"briefmatch/internal/migrate"
	"briefmatch/internal/notify"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/briefmatch.yml.
	ConfigPath string
	Log        *zap.Logger
}

// Context bundles what every command needs: config, database, engine.
type Context struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    *zap.Logger

	closers []func() error
}

// Open loads the workspace config, migrates the database, wires notifiers and seeds
// the weight configuration when none exists yet.
func Open(ctx context.Context, opts Options) (*Context, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	c := &Context{Config: cfg, DB: conn, Log: log, closers: []func() error{conn.Close}}
	applied, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		log.Debug("migrations applied", zap.Int("count", applied))
	}
	notifier, closeNotifier, err := notify.FromConfig(ctx, cfg, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("notifications: %w", err)
	}
	if closeNotifier != nil {
		c.closers = append(c.closers, closeNotifier)
	}

	eng := engine.New(conn, cfg)
	eng.Notifier = notifier
	eng.Log = log
	if _, err := eng.EnsureWeightsSeeded(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("seed weights: %w", err)
	}
	c.Engine = eng
	return c, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Close releases resources in reverse order of acquisition.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
