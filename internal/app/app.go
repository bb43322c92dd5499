// Package app wires a workspace's config, database, collaborators and
// decision channel into a ready engine for the CLI and the API server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/metric"

	"signoff/internal/actionlog"
	"signoff/internal/checkpoint"
	"signoff/internal/config"
	"signoff/internal/connector/fixture"
	"signoff/internal/connector/httpconn"
	"signoff/internal/db"
	"signoff/internal/decision"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/intake"
	"signoff/internal/loop"
	"signoff/internal/metrics"
	"signoff/internal/migrate"
)

// Layout is the on-disk shape of a workspace.
type Layout struct {
	Root           string
	State          string
	Config         string
	Inbox          string
	Plans          string
	Approvals      string
	Logs           string
	ActionLog      string
	CompletionFile string
}

func LayoutFor(workspace string) Layout {
	state := db.StateDir(workspace)
	logs := filepath.Join(state, "logs")
	return Layout{
		Root:           workspace,
		State:          state,
		Config:         config.Path(workspace),
		Inbox:          filepath.Join(state, "inbox"),
		Plans:          filepath.Join(state, "plans"),
		Approvals:      filepath.Join(state, "approvals"),
		Logs:           logs,
		ActionLog:      filepath.Join(logs, "actions.ndjson"),
		CompletionFile: filepath.Join(state, "LOOP_COMPLETE"),
	}
}

type Options struct {
	// Fixture replaces every configured connector with offline fixture
	// servers loaded from this file.
	Fixture       string
	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

type Runtime struct {
	Layout   Layout
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Fixtures map[string]*fixture.Server
	Logger   *slog.Logger
}

// Open loads the workspace config (defaults when signoff.yml is absent),
// migrates the database and builds the engine.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt, err := build(ctx, workspace, conn, cfg, opts, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

func build(_ context.Context, workspace string, conn *sql.DB, cfg *config.Config, opts Options, logger *slog.Logger) (*Runtime, error) {
	layout := LayoutFor(workspace)
	e, err := engine.New(conn, cfg)
	if err != nil {
		return nil, err
	}
	rec, err := metrics.New(opts.MeterProvider)
	if err != nil {
		return nil, err
	}
	e.Logger = logger
	e.Metrics = rec
	e.PlansDir = layout.Plans
	e.InboxDir = layout.Inbox
	e.Actions = actionlog.New(layout.ActionLog, e.Redactor, logger)

	switch cfg.Approvals.Channel {
	case "", "directory":
		dc := decision.NewDirChannel(layout.Approvals)
		if err := dc.Init(); err != nil {
			return nil, fmt.Errorf("init approvals: %w", err)
		}
		e.Channel = dc
	case "sql":
		e.Channel = decision.NewSQLChannel(conn)
	default:
		return nil, fmt.Errorf("unknown approvals channel %q", cfg.Approvals.Channel)
	}

	rt := &Runtime{Layout: layout, DB: conn, Config: cfg, Logger: logger}
	if opts.Fixture != "" {
		servers, err := fixture.Load(opts.Fixture)
		if err != nil {
			return nil, err
		}
		fixture.Register(e.Connectors, servers)
		rt.Fixtures = servers
		logger.Info("using fixture collaborators", "path", opts.Fixture, "servers", len(servers))
	} else {
		for name, c := range cfg.Connectors {
			var token string
			if c.TokenEnv != "" {
				token = os.Getenv(c.TokenEnv)
				if token == "" {
					logger.Warn("connector token env is empty", "connector", name, "env", c.TokenEnv)
				}
			}
			client, err := httpconn.New(name, httpconn.Options{
				BaseURL:       c.BaseURL,
				Token:         token,
				RatePerSecond: c.RatePerSecond,
				Burst:         c.Burst,
				Timeout:       c.Timeout,
			})
			if err != nil {
				return nil, err
			}
			e.Connectors.Register(name, client)
		}
	}
	rt.Engine = e
	return rt, nil
}

func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

// NewNormalizer returns a normalizer for a configured source. It only sees
// the source's query capability.
func (rt *Runtime) NewNormalizer(ctx context.Context, source string) (*intake.Normalizer, error) {
	src, ok := rt.Config.Sources[source]
	if !ok {
		return nil, domain.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", source)}
	}
	q, err := rt.Engine.Connectors.Querier(src.Server)
	if err != nil {
		return nil, err
	}
	e := rt.Engine
	return &intake.Normalizer{
		Source:      source,
		Config:      src,
		Intake:      rt.Config.Intake,
		Querier:     q,
		Checkpoints: checkpoint.Load(ctx, e.Repo, source, rt.Config.Checkpoint.MaxEntries, rt.Logger),
		Repo:        e.Repo,
		Events:      e.Events,
		Redactor:    e.Redactor,
		Remediator:  e,
		Logger:      rt.Logger.With("source", source),
		Metrics:     e.Metrics,
		Now:         e.Now,
		InboxDir:    rt.Layout.Inbox,
	}, nil
}

func (rt *Runtime) NewGate(id string) *engine.Gate {
	return engine.NewGate(rt.Engine, id)
}

// NewLoop returns an orchestrator over the engine's plan-creation API.
func (rt *Runtime) NewLoop(opts loop.Options) *loop.Loop {
	if opts.CompletionFile == "" {
		opts.CompletionFile = rt.Layout.CompletionFile
	}
	l := loop.New(rt.Engine, rt.Config, opts)
	l.Logger = rt.Logger
	l.Metrics = rt.Engine.Metrics
	return l
}

// Init creates the workspace layout and a default signoff.yml. An existing
// config is kept unless force is set.
func Init(workspace string, force bool) (Layout, bool, error) {
	layout := LayoutFor(workspace)
	for _, dir := range []string{layout.State, layout.Inbox, layout.Plans, layout.Logs} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return layout, false, err
		}
	}
	if err := decision.NewDirChannel(layout.Approvals).Init(); err != nil {
		return layout, false, err
	}
	wrote := false
	if _, err := os.Stat(layout.Config); os.IsNotExist(err) || force {
		if err := os.WriteFile(layout.Config, []byte(config.GenerateDefault()), 0o644); err != nil {
			return layout, false, err
		}
		wrote = true
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return layout, wrote, err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return layout, wrote, fmt.Errorf("migrate: %w", err)
	}
	return layout, wrote, nil
}
