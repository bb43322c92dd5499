package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gopkg.in/yaml.v3"

	"signoff/internal/app"
	"signoff/internal/decision"
	"signoff/internal/domain"
	"signoff/internal/loop"
)

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	logger := newLogger(viper.GetString("log-level"))
	opts := app.Options{Fixture: viper.GetString("fixture"), Logger: logger}
	var reader *sdkmetric.ManualReader
	if viper.GetBool("metrics") {
		reader = sdkmetric.NewManualReader()
		opts.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	err = fn(ctx, rt)
	if reader != nil {
		printMetrics(context.WithoutCancel(ctx), reader)
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// parseParams turns key=value flags into operation params. Values are YAML
// scalars so amounts stay numeric; a leading + keeps phone numbers as strings.
func parseParams(kvs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, kv := range kvs {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, domain.ValidationError{Field: "param", Reason: fmt.Sprintf("expected key=value, got %q", kv)}
		}
		var v any = raw
		if !strings.HasPrefix(raw, "+") {
			var parsed any
			if err := yaml.Unmarshal([]byte(raw), &parsed); err == nil && parsed != nil {
				v = parsed
			}
		}
		out[key] = v
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printStatus(rep statusReport) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Kind", "Status", "Count"})
	for _, k := range sortedKeys(rep.Plans) {
		tw.AppendRow(table.Row{"plan", k, rep.Plans[k]})
	}
	tw.AppendSeparator()
	for _, k := range sortedKeys(rep.Intake) {
		tw.AppendRow(table.Row{"intake", k, rep.Intake[k]})
	}
	tw.Render()
	if rep.PendingApproval > 0 {
		color.Yellow("%d plan(s) waiting for approval", rep.PendingApproval)
	}
	if rep.LoopComplete {
		color.Green("loop completion signal present")
	}
}

func printIntake(recs []domain.IntakeRecord) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Source", "Status", "Priority", "Received", "Excerpt"})
	for _, rec := range recs {
		tw.AppendRow(table.Row{rec.ID, rec.Source, rec.Status, rec.Priority, rec.ReceivedAt, truncate(rec.Excerpt, 60)})
	}
	tw.Render()
}

func printPlans(plans []domain.Plan) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Status", "Risk", "Operation", "Objective"})
	for _, p := range plans {
		tw.AppendRow(table.Row{p.ID, p.Status, p.RiskLevel, p.Operation.Key(), truncate(p.Objective, 50)})
	}
	tw.Render()
}

func printPlan(p domain.Plan, redactParams func(map[string]any) map[string]any) {
	tw := newTable()
	tw.AppendRow(table.Row{"ID", p.ID})
	tw.AppendRow(table.Row{"Status", statusColor(p.Status).Sprint(p.Status)})
	tw.AppendRow(table.Row{"Risk", p.RiskLevel})
	tw.AppendRow(table.Row{"Category", p.Category})
	tw.AppendRow(table.Row{"Objective", p.Objective})
	tw.AppendRow(table.Row{"Operation", p.Operation.Key()})
	params, _ := json.Marshal(redactParams(p.Operation.Params))
	tw.AppendRow(table.Row{"Params", string(params)})
	tw.AppendRow(table.Row{"Hash", p.OperationHash})
	if p.SourceIntakeID != nil {
		tw.AppendRow(table.Row{"Intake", *p.SourceIntakeID})
	}
	if p.DecidedBy != nil {
		tw.AppendRow(table.Row{"Decided by", *p.DecidedBy})
	}
	tw.Render()
}

func statusColor(status string) *color.Color {
	switch status {
	case domain.PlanApproved, domain.PlanExecuted:
		return color.New(color.FgGreen)
	case domain.PlanPendingApproval:
		return color.New(color.FgYellow)
	case domain.PlanRejected, domain.PlanFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func printActionEntry(e domain.ActionLogEntry) {
	switch {
	case e.Mode == domain.ModeDryRun && e.Success:
		color.Cyan("[preview] %s.%s for %s", e.Tool, e.Operation, e.PlanID)
		fmt.Println("  " + e.ResponseSummary)
		fmt.Println("  re-run with --execute to make the call")
	case e.Success:
		color.Green("[executed] %s.%s for %s in %dms (%d attempt(s))", e.Tool, e.Operation, e.PlanID, e.DurationMS, e.Attempts)
		fmt.Println("  " + e.ResponseSummary)
	default:
		color.Red("[failed] %s.%s for %s after %d attempt(s): %s", e.Tool, e.Operation, e.PlanID, e.Attempts, e.Error)
	}
}

func printActionEntries(entries []domain.ActionLogEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Time", "Plan", "Call", "Mode", "OK", "Attempts", "Summary"})
	for _, e := range entries {
		summary := e.ResponseSummary
		if !e.Success {
			summary = e.Error
		}
		tw.AppendRow(table.Row{e.Timestamp, e.PlanID, e.Tool + "." + e.Operation, e.Mode, e.Success, e.Attempts, truncate(summary, 50)})
	}
	tw.Render()
}

func printEvents(evs []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
	for _, ev := range evs {
		tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, truncate(ev.Payload, 60)})
	}
	tw.Render()
}

func printApproverKeys(keys []domain.ApproverKey) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
	}
	tw.Render()
}

func printDecisions(ds []decision.Decision) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Plan", "Verdict", "Actor", "Roles", "Submitted"})
	for _, d := range ds {
		tw.AppendRow(table.Row{d.PlanID, d.Verdict, d.ActorID, strings.Join(d.Roles, ","), d.SubmittedAt})
	}
	tw.Render()
	color.Cyan("[dry-run] %d decision(s) waiting; nothing claimed", len(ds))
}

func printLoopReport(rep loop.Report) {
	c := color.New(color.FgGreen)
	switch rep.State {
	case loop.StateHaltedApprovalPending, loop.StateMaxIterationsReached:
		c = color.New(color.FgYellow)
	case loop.StateFailed:
		c = color.New(color.FgRed)
	}
	c.Printf("run %s: %s after %d iteration(s), %d plan(s) created\n", rep.RunID, rep.State, rep.Iterations, rep.PlansCreated)
	for _, id := range rep.Plans {
		fmt.Println("  drafted " + id)
	}
	for _, id := range rep.Previewed {
		fmt.Println("  would draft for " + id)
	}
	if rep.State == loop.StateHaltedApprovalPending {
		fmt.Println("  approve or reject pending plans, run 'signoff gate run --once', then start the loop again")
	}
}

func printMetrics(ctx context.Context, reader *sdkmetric.ManualReader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		fmt.Fprintln(os.Stderr, "collect metrics:", err)
		return
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					totals[m.Name+".count"] += int64(dp.Count)
				}
			}
		}
	}
	for _, name := range sortedKeys(totals) {
		fmt.Fprintf(os.Stderr, "%s %d\n", name, totals[name])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
