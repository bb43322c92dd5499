package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"signoff/internal/actionlog"
	"signoff/internal/app"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/decision"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/intake"
	"signoff/internal/loop"
	"signoff/internal/repo"
	"signoff/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Signoff CLI",
	Long: `Signoff turns inbound messages into plans that a human must approve before anything leaves the building.
Core concepts:
- Intake: watchers pull events from each source (whatsapp, gmail, odoo), redact PII and write deduplicated intake records.
- Plans: drafts bound to one capability call. Status goes draft -> pending_approval -> approved -> executed (rejected/failed are exits).
- Approvals: the gate applies human verdicts from .signoff/approvals (move a file to granted/ or denied/) or from the API.
- Dispatch: 'signoff exec' previews a plan; only --execute on an approved plan makes the real call.
- Remediation: failed calls become remediation intake records, escalated after the retry cap.
- Loop: 'signoff loop run' drafts plans for open records and halts as soon as a plan waits for a human.
- Audit: every transition lands in the event log ('signoff log tail'); every dispatch in .signoff/logs/actions.ndjson.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", decision.DefaultLocalActor, "actor identifier")
	rootCmd.PersistentFlags().String("fixture", "", "offline collaborator fixture file (replaces configured connectors)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("metrics", false, "print collected metrics to stderr on exit")
	for _, name := range []string{"workspace", "json", "actor-id", "fixture", "log-level", "metrics"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(loopCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(approverCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace layout and a default signoff.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, wrote, err := app.Init(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": layout.Config, "state": layout.State, "config_written": wrote})
			}
			if wrote {
				fmt.Printf("Wrote %s\n", layout.Config)
			} else {
				fmt.Printf("Kept existing %s (use --force to overwrite)\n", layout.Config)
			}
			fmt.Printf("Workspace state in %s\n", layout.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing signoff.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config (defaults applied)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate signoff.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if _, err := engine.New(nil, cfg); err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d sources, %d capabilities)\n", config.Path(workspace), len(cfg.Sources), len(cfg.Capabilities))
			return nil
		},
	})
	return cfgCmd
}

type statusReport struct {
	Plans           map[string]int `json:"plans"`
	Intake          map[string]int `json:"intake"`
	PendingApproval int            `json:"pending_approval"`
	LoopComplete    bool           `json:"loop_complete"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show plan and intake counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r := rt.Engine.Repo
				plans, err := r.CountPlansByStatus(ctx)
				if err != nil {
					return err
				}
				records, err := r.CountIntakeByStatus(ctx)
				if err != nil {
					return err
				}
				_, statErr := os.Stat(rt.Layout.CompletionFile)
				rep := statusReport{
					Plans:           plans,
					Intake:          records,
					PendingApproval: plans[domain.PlanPendingApproval],
					LoopComplete:    statErr == nil,
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printStatus(rep)
				return nil
			})
		},
	}
}

func intakeCmd() *cobra.Command {
	in := &cobra.Command{Use: "intake", Short: "Run source watchers and inspect intake records"}
	in.AddCommand(intakeRunCmd())
	in.AddCommand(intakeListCmd())
	return in
}

func intakeRunCmd() *cobra.Command {
	var (
		sources  []string
		maxItems int
		once     bool
		dryRun   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll sources and write intake records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				names := sources
				if len(names) == 0 {
					names = rt.Config.SourceNames()
				}
				return watch(ctx, once, interval, func(ctx context.Context) error {
					for _, name := range names {
						n, err := rt.NewNormalizer(ctx, name)
						if err != nil {
							return err
						}
						stats, runErr := n.Run(ctx, maxItems, dryRun)
						if err := printIntakeStats(name, stats, dryRun); err != nil {
							return err
						}
						if runErr != nil {
							if once {
								return runErr
							}
							rt.Logger.Error("intake run failed", "source", name, "err", runErr)
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "source to poll (repeatable; default all configured)")
	cmd.Flags().IntVar(&maxItems, "max", 0, "max items per source (default from config)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be created without writing")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "poll interval when not --once")
	return cmd
}

func intakeListCmd() *cobra.Command {
	var f repo.IntakeFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intake records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				recs, err := rt.Engine.Repo.ListIntake(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				printIntake(recs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived records")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max records")
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Manage per-source dedup checkpoints"}
	var source string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Forget processed ids for a source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, ok := rt.Config.Sources[source]; !ok {
					return domain.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", source)}
				}
				e := rt.Engine
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.ResetCheckpoints(ctx, tx, source); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "checkpoint.reset", "source", source, viper.GetString("actor-id"), nil); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("Checkpoints for %s cleared\n", source)
				return nil
			})
		},
	}
	reset.Flags().StringVar(&source, "source", "", "source name")
	_ = reset.MarkFlagRequired("source")
	cp.AddCommand(reset)
	return cp
}

func planCmd() *cobra.Command {
	pl := &cobra.Command{Use: "plan", Short: "Draft and inspect plans"}
	pl.AddCommand(planCreateCmd())
	pl.AddCommand(planListCmd())
	pl.AddCommand(planShowCmd())
	pl.AddCommand(planRequestApprovalCmd())
	return pl
}

func planCreateCmd() *cobra.Command {
	var (
		opts     engine.PlanCreateOptions
		params   []string
		request  bool
		intakeID string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Draft a plan for one capability call",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			opts.Operation.Params = parsed
			opts.SourceIntakeID = intakeID
			opts.ActorID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreatePlan(ctx, opts)
				if err != nil {
					return err
				}
				if request {
					if _, err := rt.Engine.RequestApproval(ctx, p.ID, opts.ActorID); err != nil {
						return err
					}
					if p, err = rt.Engine.GetPlan(ctx, p.ID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printPlan(p, rt.Engine.Redactor.Map)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Objective, "objective", "", "what the plan achieves")
	cmd.Flags().StringVar(&opts.Operation.Server, "server", "", "target server")
	cmd.Flags().StringVar(&opts.Operation.Name, "operation", "", "target operation")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "", "requested risk level (raised to the policy floor)")
	cmd.Flags().StringVar(&opts.Slug, "slug", "", "plan id suffix")
	cmd.Flags().StringVar(&intakeID, "intake", "", "source intake record id")
	cmd.Flags().StringArrayVar(&params, "param", nil, "operation parameter key=value (value parsed as YAML)")
	cmd.Flags().BoolVar(&request, "request-approval", false, "submit for approval right away")
	_ = cmd.MarkFlagRequired("objective")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

func planListCmd() *cobra.Command {
	var f repo.PlanFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				plans, err := rt.Engine.ListPlans(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				printPlans(plans)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SourceIntakeID, "intake", "", "source intake record filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max plans")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan_id>",
		Short: "Show one plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printPlan(p, rt.Engine.Redactor.Map)
				return nil
			})
		},
	}
}

func planRequestApprovalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-approval <plan_id>",
		Short: "Publish an approval request for a draft plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.RequestApproval(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("%s is %s (risk %s, hash %s)\n", req.PlanID, req.Status, req.Artifact.RiskLevel, req.Artifact.OperationHash)
				if rt.Config.Approvals.Channel != "sql" {
					fmt.Printf("Approve by moving %s/%s/%s.md to %s/\n", rt.Layout.Approvals, decision.PendingDir, req.PlanID, decision.GrantedDir)
				}
				return nil
			})
		},
	}
}

func decideCmd() *cobra.Command {
	var (
		approve, reject bool
		note            string
		roles           []string
	)
	cmd := &cobra.Command{
		Use:   "decide <plan_id>",
		Short: "Submit a verdict for a pending plan (applied by the gate)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}
			for _, role := range roles {
				if !auth.ValidRole(role) {
					return domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
				}
			}
			verdict := decision.Granted
			if reject {
				verdict = decision.Denied
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if p.Status != domain.PlanPendingApproval {
					return domain.ApprovalRequiredError{PlanID: p.ID, Status: p.Status}
				}
				d := decision.Decision{
					PlanID:        p.ID,
					Verdict:       verdict,
					ActorID:       viper.GetString("actor-id"),
					Roles:         roles,
					Note:          note,
					OperationHash: p.OperationHash,
					SubmittedAt:   rt.Engine.Now().UTC().Format(time.RFC3339),
				}
				if err := rt.Engine.Channel.Submit(ctx, d); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Recorded %s for %s; run 'signoff gate run --once' to apply it\n", verdict, p.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "grant the plan")
	cmd.Flags().BoolVar(&reject, "reject", false, "deny the plan")
	cmd.Flags().StringVar(&note, "note", "", "note stored with the decision")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOwner}, "roles held by the approver")
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Apply human decisions to pending plans"}
	var (
		once     bool
		dryRun   bool
		interval time.Duration
		id       string
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Poll the decision channel and apply verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if dryRun {
					return previewDecisions(ctx, rt)
				}
				gate := rt.NewGate(id)
				return watch(ctx, once, interval, func(ctx context.Context) error {
					stats, err := gate.RunOnce(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(stats)
					}
					if stats.Seen > 0 || once {
						fmt.Printf("gate %s: seen=%d approved=%d rejected=%d ignored=%d contended=%d\n",
							gate.ID(), stats.Seen, stats.Approved, stats.Rejected, stats.Ignored, stats.Contended)
					}
					return nil
				})
			})
		},
	}
	run.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	run.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval when not --once")
	run.Flags().StringVar(&id, "id", "", "gate identifier recorded on claims")
	run.Flags().BoolVar(&dryRun, "dry-run", false, "list waiting decisions without claiming them")
	g.AddCommand(run)
	return g
}

func execCmd() *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "exec <plan_id>",
		Short: "Preview an approved plan, or run it with --execute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entry, err := rt.Engine.Execute(ctx, args[0], execute)
				if entry.PlanID != "" {
					if viper.GetBool("json") {
						if perr := printJSON(entry); perr != nil {
							return perr
						}
					} else {
						printActionEntry(entry)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "make the real call (default is a dry-run preview)")
	return cmd
}

func loopCmd() *cobra.Command {
	l := &cobra.Command{Use: "loop", Short: "Bounded plan-only orchestration"}
	var (
		opts      loop.Options
		noRequest bool
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Draft plans for open intake records until a plan needs a human",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequestApproval = !noRequest
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep := rt.NewLoop(opts).Run(ctx)
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
				} else {
					printLoopReport(rep)
				}
				return rep.Err
			})
		},
	}
	run.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "iteration cap (default from config, never above 50)")
	run.Flags().IntVar(&opts.MaxPlansPerIteration, "max-plans", 0, "plans drafted per iteration (default from config)")
	run.Flags().DurationVar(&opts.IterationTimeout, "timeout", 0, "per-iteration timeout (default from config)")
	run.Flags().BoolVar(&noRequest, "no-request", false, "leave drafts as draft instead of requesting approval")
	run.Flags().BoolVar(&opts.DryRun, "dry-run", false, "preview one iteration without creating plans")
	l.AddCommand(run)
	return l
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evs, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				printEvents(evs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func actionsCmd() *cobra.Command {
	ac := &cobra.Command{Use: "actions", Short: "Dispatcher action log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the last dispatcher calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.LayoutFor(viper.GetString("workspace")).ActionLog
			entries, err := actionlog.Tail(path, n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			printActionEntries(entries)
			return nil
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	ac.AddCommand(tail)
	return ac
}

func approverCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approver", Short: "Manage approver API keys"}
	ap.AddCommand(approverAddKeyCmd())
	ap.AddCommand(approverListCmd())
	ap.AddCommand(approverRevokeCmd())
	return ap
}

func approverAddKeyCmd() *cobra.Command {
	var (
		actorID, name string
		roles         []string
	)
	cmd := &cobra.Command{
		Use:   "add-key",
		Short: "Create an API key for an approver (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, role := range roles {
				if !auth.ValidRole(role) {
					return domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				e := rt.Engine
				secret := "so_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.ApproverKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					Roles:     roles,
					KeyHash:   repo.HashKey(secret),
					CreatedAt: e.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertApproverKey(ctx, tx, key); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "approver_key.created", "approver_key", key.ID, viper.GetString("actor-id"), events.EventPayload{
					"actor_id": key.ActorID,
					"roles":    key.Roles,
				}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "roles": key.Roles, "key": secret})
				}
				fmt.Printf("Key %s for %s (%s)\n", key.ID, key.ActorID, strings.Join(key.Roles, ","))
				fmt.Printf("X-Api-Key: %s\n", secret)
				fmt.Println("Store it now; only its hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "approver actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleApprover}, "roles granted to the key")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func approverListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approver keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListApproverKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				printApproverKeys(keys)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func approverRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key_id>",
		Short: "Delete an approver key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Repo.DeleteApproverKey(ctx, args[0]); err != nil {
					return err
				}
				if err := rt.Engine.Events.AppendOne(ctx, "approver_key.revoked", "approver_key", args[0], viper.GetString("actor-id"), nil); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		devLogin       bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server for approvers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret: os.Getenv("SIGNOFF_JWT_SECRET"),
					DevLogin:  devLogin,
					Logger:    rt.Logger,
				}
				if authCfg.JWTSecret == "" && devLogin {
					return fmt.Errorf("SIGNOFF_JWT_SECRET is required for --dev-login")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Signoff API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local use only)")
	return cmd
}

func previewDecisions(ctx context.Context, rt *app.Runtime) error {
	ds, err := rt.Engine.Channel.Poll(ctx)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(ds)
	}
	printDecisions(ds)
	return nil
}

// watch runs fn once, or every interval until ctx is cancelled.
func watch(ctx context.Context, once bool, interval time.Duration, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil || once {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

func printIntakeStats(source string, stats intake.Stats, dryRun bool) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"source": source, "dry_run": dryRun, "stats": stats})
	}
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}
	fmt.Printf("%s%s: scanned=%d created=%d skipped=%d errors=%d\n", prefix, source, stats.Scanned, stats.Created, stats.Skipped, stats.Errors)
	return nil
}
