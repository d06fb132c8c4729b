package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/connectivity"
	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/outbox"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/session"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/syncstate"
	"github.com/mschirtzinger/tasksync/internal/tasks"
)

// app wires the local store, session and coordinator for one command.
type app struct {
	cfg     *config.Config
	loader  *config.Loader
	logOut  io.Writer
	db      *store.DB
	outbox  *outbox.Queue
	session *session.Session
	prober  *connectivity.Prober
	state   *syncstate.Publisher
	coord   *coordinator.Coordinator
	tasks   *tasks.Service
}

// appOptions adjust how openApp wires the stack.
type appOptions struct {
	// cfg and loader are loaded from --config when nil
	cfg    *config.Config
	loader *config.Loader

	// logOut receives component logs (default: discarded for one-shot
	// commands so output stays clean)
	logOut io.Writer

	// onRejected is installed as the coordinator's rejection hook
	onRejected func(entry schema.OutboxEntry, reason string)
}

func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if dbOverride != "" {
		cfg.DBPath = dbOverride
	}
	return cfg, loader, nil
}

// logWriter returns where daemon logs go: a rotating file when log.file is
// set, stderr otherwise.
func logWriter(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

func oauthConfig(cfg *config.Config) *oauth2.Config {
	if !cfg.HasOAuth() {
		return nil
	}
	o := cfg.Remote.OAuth
	return &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: o.AuthURL, TokenURL: o.TokenURL},
		RedirectURL:  o.RedirectURL,
		Scopes:       o.Scopes,
	}
}

func openApp(opts appOptions) (*app, error) {
	cfg, loader := opts.cfg, opts.loader
	if cfg == nil || loader == nil {
		var err error
		if cfg, loader, err = loadConfig(); err != nil {
			return nil, err
		}
	}
	if opts.logOut == nil {
		opts.logOut = io.Discard
	}
	logger := func(prefix string) *log.Logger {
		return log.New(opts.logOut, "["+prefix+"] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	a := &app{cfg: cfg, loader: loader, logOut: opts.logOut, db: db}
	a.outbox = outbox.New(db, nil)

	a.session, err = session.Open(&session.Config{
		TokenFile: cfg.Remote.TokenFile,
		OAuth:     oauthConfig(cfg),
		Logger:    logger("session"),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	gateway, err := remote.NewHTTPGateway(cfg.Remote.URL, a.session.HTTPClient(context.Background()))
	if err != nil {
		db.Close()
		return nil, err
	}

	a.prober, err = connectivity.NewProber(&connectivity.ProberConfig{
		URL:      cfg.ProbeURL(),
		Interval: cfg.Connectivity.ProbeInterval,
		Timeout:  cfg.Connectivity.ProbeTimeout,
		Logger:   logger("connectivity"),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	a.state = syncstate.NewPublisher(syncstate.State{})
	a.coord, err = coordinator.New(coordinator.Deps{
		Store:        db,
		Outbox:       a.outbox,
		Gateway:      gateway,
		Connectivity: a.prober,
		Session:      a.session,
		State:        a.state,
		Logger:       logger("coordinator"),
	}, &coordinator.Config{
		DebounceInterval: cfg.Sync.Debounce,
		SyncInterval:     cfg.Sync.Interval,
		RequestTimeout:   cfg.Sync.RequestTimeout,
		BackoffMin:       cfg.Sync.BackoffMin,
		BackoffMax:       cfg.Sync.BackoffMax,
		Retention:        cfg.Sync.Retention,
		MaxPullPages:     cfg.Sync.MaxPullPages,
		OnEntryRejected:  opts.onRejected,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	a.tasks = tasks.NewService(db, a.outbox, a.coord, nil)
	return a, nil
}

// Close stops background work and closes the database.
func (a *app) Close() {
	a.coord.Close()
	a.prober.Stop()
	a.state.Close()
	a.db.Close()
}
