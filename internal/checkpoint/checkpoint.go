// Package checkpoint tracks which external ids each source has already
// turned into intake records.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

const DefaultMaxEntries = 500

// Store is the in-memory view of one source's checkpoint, flushed to
// the database in a single transaction.
type Store struct {
	db      *sql.DB
	repo    repo.Repo
	source  string
	max     int
	order   []string
	seen    map[string]struct{}
	pending []domain.CheckpointEntry
}

// Load reads the persisted checkpoint for source. A checkpoint that cannot be
// read in full is discarded with a warning and the store starts empty; the
// unique intake key keeps that from producing duplicate records.
func Load(ctx context.Context, r repo.Repo, source string, max int, logger *slog.Logger) *Store {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: r.DB, repo: r, source: source, max: max, seen: map[string]struct{}{}}
	entries, err := r.LoadCheckpoints(ctx, source)
	if err != nil {
		logger.Warn("checkpoint unreadable, starting empty", "source", source, "err", err)
		return s
	}
	for _, e := range entries {
		if _, err := time.Parse(time.RFC3339, e.ProcessedAt); err != nil {
			logger.Warn("checkpoint corrupt, starting empty", "source", source, "external_id", e.ExternalID, "err", err)
			s.order, s.seen = nil, map[string]struct{}{}
			return s
		}
		s.remember(e.ExternalID)
	}
	s.trim()
	return s
}

func (s *Store) Source() string { return s.source }

// Len is the number of ids currently remembered.
func (s *Store) Len() int { return len(s.order) }

func (s *Store) HasProcessed(externalID string) bool {
	_, ok := s.seen[externalID]
	return ok
}

// MarkProcessed remembers externalID. It is persisted on the next Flush.
func (s *Store) MarkProcessed(externalID string, at time.Time) {
	if s.HasProcessed(externalID) {
		return
	}
	s.remember(externalID)
	s.pending = append(s.pending, domain.CheckpointEntry{
		Source:      s.source,
		ExternalID:  externalID,
		ProcessedAt: at.UTC().Format(time.RFC3339),
	})
	s.trim()
}

// Flush writes pending entries and evicts the oldest beyond the cap.
func (s *Store) Flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range s.pending {
		if err := s.repo.InsertCheckpoint(ctx, tx, e); err != nil {
			return fmt.Errorf("write checkpoint %s/%s: %w", e.Source, e.ExternalID, err)
		}
	}
	if _, err := s.repo.EvictCheckpoints(ctx, tx, s.source, s.max); err != nil {
		return fmt.Errorf("evict checkpoints: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

func (s *Store) remember(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *Store) trim() {
	for len(s.order) > s.max {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
}
