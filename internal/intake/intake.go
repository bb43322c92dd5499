// Package intake turns raw collaborator events into deduplicated, redacted
// intake records.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"signoff/internal/checkpoint"
	"signoff/internal/config"
	"signoff/internal/connector"
	"signoff/internal/doc"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/fsutil"
	"signoff/internal/metrics"
	"signoff/internal/redact"
	"signoff/internal/repo"
)

const (
	DefaultExcerptMax = 280
	DefaultMaxItems   = 50
	DefaultMinFree    = 10 << 20
)

// Remediator records failures the normalizer cannot resolve itself.
type Remediator interface {
	HandleFailure(ctx context.Context, f domain.Failure) (domain.IntakeRecord, bool, error)
}

// Stats counts the outcome of one batch.
type Stats struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Normalizer reads one source. It holds a query-only collaborator and
// cannot act on the external system.
type Normalizer struct {
	Source      string
	Config      config.Source
	Intake      config.Intake
	Querier     connector.Querier
	Checkpoints *checkpoint.Store
	Repo        repo.Repo
	Events      events.Writer
	Redactor    *redact.Redactor
	Remediator  Remediator
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
	// InboxDir receives one document per record and is the path checked for
	// free space.
	InboxDir  string
	FreeBytes func(path string) (uint64, error)
}

// Run processes at most maxItems events. With dryRun set nothing is
// written and the checkpoint is left untouched.
func (n *Normalizer) Run(ctx context.Context, maxItems int, dryRun bool) (Stats, error) {
	var stats Stats
	if n.Querier == nil || n.Checkpoints == nil {
		return stats, errors.New("normalizer is missing its collaborator or checkpoint")
	}
	if maxItems <= 0 {
		maxItems = n.Intake.DefaultMax
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	op := n.Config.QueryOperation
	if op == "" {
		op = "list_events"
	}
	res, err := n.Querier.Query(ctx, op, map[string]any{"limit": maxItems})
	if err != nil {
		if !dryRun {
			n.remediate(ctx, domain.Failure{
				ErrorKind:  domain.ErrorKind(err),
				ServerName: n.server(),
				Operation:  op,
				Detail:     err.Error(),
			})
		}
		return stats, fmt.Errorf("query %s.%s: %w", n.server(), op, err)
	}

	diskReported := false
	for _, raw := range res.Items {
		if stats.Scanned >= maxItems {
			break
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++
		rec, err := n.Normalize(raw)
		if err != nil {
			stats.Errors++
			n.metrics().IntakeItem(ctx, n.Source, "invalid")
			n.logger().Warn("event rejected", "source", n.Source, "err", err)
			continue
		}
		if n.Checkpoints.HasProcessed(rec.ExternalID) {
			stats.Skipped++
			n.metrics().IntakeItem(ctx, n.Source, "duplicate")
			continue
		}
		if dryRun {
			stats.Created++
			n.logger().Info("would create intake record", "id", rec.ID, "priority", rec.Priority)
			continue
		}
		if err := n.checkDisk(); err != nil {
			stats.Errors++
			n.metrics().IntakeItem(ctx, n.Source, "disk_space")
			n.logger().Error("skipping intake record", "id", rec.ID, "err", err)
			if !diskReported {
				diskReported = true
				n.remediate(ctx, domain.Failure{
					ErrorKind:  domain.KindDiskSpace,
					ServerName: n.server(),
					Operation:  "intake",
					Detail:     err.Error(),
				})
			}
			continue
		}
		created, err := n.persist(ctx, rec)
		if err != nil {
			return stats, err
		}
		n.Checkpoints.MarkProcessed(rec.ExternalID, n.now())
		if !created {
			stats.Skipped++
			n.metrics().IntakeItem(ctx, n.Source, "duplicate")
			continue
		}
		stats.Created++
		n.metrics().IntakeItem(ctx, n.Source, "created")
	}
	if dryRun {
		return stats, nil
	}
	if err := n.Checkpoints.Flush(ctx); err != nil {
		return stats, fmt.Errorf("flush checkpoint: %w", err)
	}
	return stats, nil
}

// persist stores rec and its audit event. created is false when the record
// already existed.
func (n *Normalizer) persist(ctx context.Context, rec domain.IntakeRecord) (bool, error) {
	tx, err := n.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := n.Repo.InsertIntake(ctx, tx, rec); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	if err := n.Events.Append(ctx, tx, "intake.created", "intake", rec.ID, "intake:"+n.Source, events.EventPayload{
		"source":      rec.Source,
		"external_id": rec.ExternalID,
		"priority":    rec.Priority,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if n.InboxDir != "" {
		if err := doc.WriteIntake(n.InboxDir, rec); err != nil {
			n.logger().Error("write intake document", "id", rec.ID, "err", err)
		}
	}
	n.logger().Info("intake record created", "id", rec.ID, "priority", rec.Priority)
	return true, nil
}

// Normalize maps one raw event to a record without touching storage. Sender
// and excerpt are redacted; the thread id is an opaque routing handle and is
// kept as delivered so replies can reach the conversation.
func (n *Normalizer) Normalize(raw map[string]any) (domain.IntakeRecord, error) {
	body := firstString(raw, "text", "body", "message", "snippet", "content")
	sender := firstString(raw, "sender", "from", "author", "handle")
	if strings.TrimSpace(body) == "" && strings.TrimSpace(sender) == "" {
		return domain.IntakeRecord{}, domain.ValidationError{Field: "event", Reason: "event has neither body nor sender"}
	}
	extID, err := ExternalID(raw)
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	now := n.now().UTC().Format(time.RFC3339)
	received := now
	if v := firstString(raw, "received_at", "timestamp", "date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.IntakeRecord{}, domain.ValidationError{Field: "received_at", Reason: fmt.Sprintf("%q is not RFC 3339", v)}
		}
		received = t.UTC().Format(time.RFC3339)
	}
	excerptMax := n.Config.ExcerptMax
	if excerptMax <= 0 {
		excerptMax = DefaultExcerptMax
	}
	channel := n.Config.Channel
	if channel == "" {
		channel = n.Source
	}
	timeSensitive := n.Config.TimeSensitive
	if v, ok := raw["time_sensitive"].(bool); ok && v {
		timeSensitive = true
	}
	rd := n.redactor()
	return domain.IntakeRecord{
		ID:            n.Source + ":" + extID,
		Source:        n.Source,
		ExternalID:    extID,
		ReceivedAt:    received,
		Sender:        rd.Redact(sender),
		Channel:       channel,
		ThreadID:      firstString(raw, "thread_id", "chat_id", "conversation_id"),
		Excerpt:       rd.Excerpt(body, excerptMax),
		Status:        domain.IntakeNeedsAction,
		PlanRequired:  true,
		PIIRedacted:   true,
		Priority:      n.priority(body, timeSensitive),
		TimeSensitive: timeSensitive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (n *Normalizer) priority(body string, timeSensitive bool) string {
	lower := strings.ToLower(body)
	urgent := false
	for _, kw := range n.Intake.UrgentKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			urgent = true
			break
		}
	}
	switch {
	case urgent && timeSensitive:
		return domain.PriorityCritical
	case urgent || timeSensitive:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

// ExternalID returns the event's own id when it carries one, else a hash of
// its canonical JSON form.
func ExternalID(raw map[string]any) (string, error) {
	for _, k := range []string{"id", "message_id", "external_id"} {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s, nil
			}
		case int:
			return fmt.Sprint(v), nil
		case int64:
			return fmt.Sprint(v), nil
		case float64:
			return fmt.Sprint(v), nil
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", domain.ValidationError{Field: "event", Reason: err.Error()}
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", domain.ValidationError{Field: "event", Reason: err.Error()}
	}
	sum := sha256.Sum256(canonical)
	return "h-" + hex.EncodeToString(sum[:])[:16], nil
}

func (n *Normalizer) checkDisk() error {
	need := n.Intake.MinFreeBytes
	if need == 0 {
		need = DefaultMinFree
	}
	free := n.FreeBytes
	if free == nil {
		free = fsutil.FreeBytes
	}
	path := n.InboxDir
	if path == "" {
		path = "."
	}
	avail, err := free(path)
	if err != nil {
		n.logger().Warn("free space unknown", "path", path, "err", err)
		return nil
	}
	if avail < need {
		return domain.DiskSpaceError{Path: path, Free: avail, Required: need}
	}
	return nil
}

func (n *Normalizer) remediate(ctx context.Context, f domain.Failure) {
	if n.Remediator == nil {
		return
	}
	if _, _, err := n.Remediator.HandleFailure(ctx, f); err != nil {
		n.logger().Error("record remediation", "source", n.Source, "kind", f.ErrorKind, "err", err)
	}
}

func (n *Normalizer) server() string {
	if n.Config.Server != "" {
		return n.Config.Server
	}
	return n.Source
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *Normalizer) metrics() *metrics.Recorder {
	if n.Metrics != nil {
		return n.Metrics
	}
	return metrics.Nop()
}

func (n *Normalizer) redactor() *redact.Redactor {
	if n.Redactor != nil {
		return n.Redactor
	}
	return redact.Default()
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
