package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"signoff/internal/doc"
	"signoff/internal/fsutil"
)

// Directory names under the approvals root.
const (
	PendingDir   = "pending"
	GrantedDir   = "granted"
	DeniedDir    = "denied"
	ProcessedDir = "processed"
)

// DefaultLocalActor is recorded when a file is moved without a decided_by header.
const DefaultLocalActor = "local-operator"

// DirChannel is the directory view of the channel. A file under pending/ is
// an open request; relocating it to granted/ or denied/ is the verdict.
type DirChannel struct {
	Root string
	// LocalActor and LocalRoles apply to files moved by hand.
	LocalActor string
	LocalRoles []string
	Now        func() time.Time
	Logger     *slog.Logger
}

func NewDirChannel(root string) *DirChannel {
	return &DirChannel{Root: root, LocalActor: DefaultLocalActor, LocalRoles: []string{"owner"}, Now: time.Now}
}

type artifactHeader struct {
	Artifact  `yaml:",inline"`
	DecidedBy string   `yaml:"decided_by,omitempty"`
	Roles     []string `yaml:"roles,omitempty"`
	Note      string   `yaml:"note,omitempty"`
	DecidedAt string   `yaml:"decided_at,omitempty"`
}

// Init creates the four state directories.
func (c *DirChannel) Init() error {
	for _, d := range []string{PendingDir, GrantedDir, DeniedDir, ProcessedDir} {
		if err := os.MkdirAll(filepath.Join(c.Root, d), 0o700); err != nil {
			return err
		}
	}
	return nil
}

func (c *DirChannel) path(dir, planID string) string {
	return filepath.Join(c.Root, dir, planID+".md")
}

func (c *DirChannel) Publish(_ context.Context, a Artifact) error {
	if err := c.Init(); err != nil {
		return err
	}
	data, err := doc.Render(artifactHeader{Artifact: a}, artifactBody(a))
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(c.path(PendingDir, a.PlanID), data)
}

func (c *DirChannel) Withdraw(_ context.Context, planID string) error {
	if err := os.Remove(c.path(PendingDir, planID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func artifactBody(a Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Approval request: %s\n\n", a.PlanID)
	fmt.Fprintf(&b, "%s\n\n", a.Objective)
	fmt.Fprintf(&b, "- risk: %s\n- operation: %s.%s\n\n", a.RiskLevel, a.Server, a.Operation)
	b.WriteString("Move this file to ../granted/ to approve or ../denied/ to reject.\n")
	return b.String()
}

// Submit relocates the pending artifact and stamps the approver onto it.
func (c *DirChannel) Submit(_ context.Context, d Decision) error {
	if err := validate(d); err != nil {
		return err
	}
	if err := c.Init(); err != nil {
		return err
	}
	src := c.path(PendingDir, d.PlanID)
	dst := c.path(dirFor(d.Verdict), d.PlanID)
	if err := fsutil.Move(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoRequest
		}
		return err
	}
	content, err := os.ReadFile(dst)
	if err != nil {
		return err
	}
	var h artifactHeader
	body, err := doc.Parse(content, &h)
	if err != nil {
		return err
	}
	h.DecidedBy = d.ActorID
	h.Roles = d.Roles
	h.Note = d.Note
	h.DecidedAt = c.now().UTC().Format(time.RFC3339)
	data, err := doc.Render(h, body)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(dst, data)
}

func (c *DirChannel) Poll(_ context.Context) ([]Decision, error) {
	var out []Decision
	for _, v := range []Verdict{Granted, Denied} {
		dir := filepath.Join(c.Root, dirFor(v))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
				continue
			}
			d, err := c.read(filepath.Join(dir, name), v)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				c.quarantine(filepath.Join(dir, name), err)
				continue
			}
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

// quarantine moves an unreadable decision file out of the scan so the
// remaining decisions still reach the gate.
func (c *DirChannel) quarantine(path string, cause error) {
	dst := filepath.Join(c.Root, ProcessedDir, filepath.Base(path)+".unreadable")
	c.logger().Warn("unreadable decision file quarantined", "path", path, "moved_to", dst, "err", cause)
	if err := fsutil.Move(path, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger().Error("quarantine decision file", "path", path, "err", err)
	}
}

func (c *DirChannel) read(path string, v Verdict) (Decision, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Decision{}, err
	}
	var h artifactHeader
	if _, err := doc.Parse(content, &h); err != nil {
		return Decision{}, err
	}
	if h.PlanID == "" {
		h.PlanID = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	d := Decision{
		PlanID:        h.PlanID,
		Verdict:       v,
		ActorID:       h.DecidedBy,
		Roles:         h.Roles,
		Note:          h.Note,
		OperationHash: h.OperationHash,
		SubmittedAt:   h.DecidedAt,
		Source:        path,
	}
	if d.ActorID == "" {
		d.ActorID = c.LocalActor
	}
	if len(d.Roles) == 0 {
		d.Roles = append([]string(nil), c.LocalRoles...)
	}
	if d.SubmittedAt == "" {
		if info, err := os.Stat(path); err == nil {
			d.SubmittedAt = info.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return d, nil
}

// Claim renames the decision file into processed/. The rename either
// succeeds for one caller or fails with ENOENT for the rest.
func (c *DirChannel) Claim(_ context.Context, d Decision, _ string) (bool, error) {
	if err := os.MkdirAll(filepath.Join(c.Root, ProcessedDir), 0o700); err != nil {
		return false, err
	}
	src := d.Source
	if src == "" {
		src = c.path(dirFor(d.Verdict), d.PlanID)
	}
	err := os.Rename(src, c.claimPath(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *DirChannel) Ack(_ context.Context, d Decision) error {
	dst := filepath.Join(c.Root, ProcessedDir, fmt.Sprintf("%s.%s.md", d.PlanID, d.Verdict))
	return fsutil.Move(c.claimPath(d), dst)
}

// Pending lists plan ids with an open request file.
func (c *DirChannel) Pending() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.Root, PendingDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".md") {
			ids = append(ids, strings.TrimSuffix(name, ".md"))
		}
	}
	return ids, nil
}

func (c *DirChannel) claimPath(d Decision) string {
	return filepath.Join(c.Root, ProcessedDir, fmt.Sprintf(".claim.%s.%s.md", d.PlanID, d.Verdict))
}

func (c *DirChannel) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *DirChannel) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func dirFor(v Verdict) string {
	if v == Granted {
		return GrantedDir
	}
	return DeniedDir
}
