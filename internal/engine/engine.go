package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"signoff/internal/actionlog"
	"signoff/internal/config"
	"signoff/internal/connector"
	"signoff/internal/decision"
	"signoff/internal/events"
	"signoff/internal/metrics"
	"signoff/internal/redact"
	"signoff/internal/repo"
)

// Engine owns every plan transition. Each mutation and its audit event are
// written in one transaction.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Now          func() time.Time
	Capabilities *CapabilityTable
	Risk         *RiskPolicy
	Channel      decision.Channel
	Connectors   *connector.Registry
	Actions      *actionlog.Log
	Redactor     *redact.Redactor
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	// PlansDir and InboxDir receive human-readable documents when set.
	PlansDir string
	InboxDir string
	// Sleep waits between dispatch attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	rd, err := redact.New(cfg.Redaction.Rules)
	if err != nil {
		return Engine{}, err
	}
	caps, err := NewCapabilityTable(cfg.Capabilities)
	if err != nil {
		return Engine{}, err
	}
	risk, err := NewRiskPolicy(cfg)
	if err != nil {
		return Engine{}, err
	}
	e := Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Config:       cfg,
		Now:          time.Now,
		Capabilities: caps,
		Risk:         risk,
		Channel:      decision.NewSQLChannel(db),
		Connectors:   connector.NewRegistry(),
		Redactor:     rd,
		Logger:       slog.Default(),
		Metrics:      metrics.Nop(),
		Sleep:        sleepContext,
	}
	e.Events = events.Writer{DB: db, Now: e.now, Redactor: rd}
	return e, nil
}

// SetClock replaces the clock used for timestamps and audit events.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Events.Now = now
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e Engine) requireConfig() error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if e.Capabilities == nil || e.Risk == nil {
		return fmt.Errorf("engine not initialized; use engine.New")
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
