package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ReconcileFunc resumes the encryption migration of one field and reports how
// many values it migrated.
type ReconcileFunc func(ctx context.Context, fieldID int64, encrypted bool) (int, error)

// PendingField is a field that still owns values in the wrong scheme.
type PendingField struct {
	ID        int64
	Encrypted bool
}

const pendingFieldsQuery = `
	SELECT DISTINCT c.id, c.encrypted_data
	  FROM categories c
	  JOIN field_values v ON v.field_id = c.id
	 WHERE c.level = 1
	   AND COALESCE(NULLIF(v.encryption_type, ''), 'none')
	       <> CASE WHEN c.encrypted_data THEN 'current' ELSE 'none' END
	 ORDER BY c.id
`

// PendingFields lists fields whose values do not all match the field's encrypted flag.
func PendingFields(ctx context.Context, db *sql.DB) ([]PendingField, error) {
	rows, err := db.QueryContext(ctx, pendingFieldsQuery)
	if err != nil {
		return nil, fmt.Errorf("pending fields: %w", err)
	}
	defer rows.Close()

	var out []PendingField
	for rows.Next() {
		var f PendingField
		if err := rows.Scan(&f.ID, &f.Encrypted); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// maxStallBackoff caps how many sweeps a stalled field is skipped for.
const maxStallBackoff = 32

type stall struct {
	encrypted bool
	backoff   int
	wait      int
}

// Sweeper resumes pending fields. A field whose run migrates nothing is
// skipped for a doubling number of sweeps until it progresses or its
// encrypted flag changes. A Sweeper is not safe for concurrent use.
type Sweeper struct {
	db      *sql.DB
	log     *zap.Logger
	fix     ReconcileFunc
	stalled map[int64]stall
}

// NewSweeper creates a Sweeper handing pending fields to fix.
func NewSweeper(db *sql.DB, log *zap.Logger, fix ReconcileFunc) *Sweeper {
	return &Sweeper{db: db, log: log, fix: fix, stalled: make(map[int64]stall)}
}

// SweepOnce resumes every pending field that is not backing off and returns
// how many were handed to fix. A failing field is logged and does not stop the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := PendingFields(ctx, s.db)
	if err != nil {
		return 0, err
	}

	seen := make(map[int64]struct{}, len(pending))
	resumed := 0
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		seen[f.ID] = struct{}{}

		prev, stalled := s.stalled[f.ID]
		if stalled && prev.encrypted != f.Encrypted {
			stalled = false
		}
		if stalled && prev.wait > 0 {
			prev.wait--
			s.stalled[f.ID] = prev
			continue
		}

		resumed++
		migrated, err := s.fix(ctx, f.ID, f.Encrypted)
		if err != nil {
			s.log.Error("failed to resume field reconciliation",
				zap.Int64("field_id", f.ID), zap.Error(err))
		}
		if err == nil && migrated > 0 {
			delete(s.stalled, f.ID)
			continue
		}

		backoff := 1
		if stalled {
			backoff = min(prev.backoff*2, maxStallBackoff)
		}
		s.stalled[f.ID] = stall{encrypted: f.Encrypted, backoff: backoff, wait: backoff}
		s.log.Warn("field reconciliation made no progress",
			zap.Int64("field_id", f.ID), zap.Int("skip_sweeps", backoff))
	}

	for id := range s.stalled {
		if _, ok := seen[id]; !ok {
			delete(s.stalled, id)
		}
	}
	return resumed, nil
}

// StartReconcileSweeper resumes interrupted field migrations every interval
// until ctx is done. A positive timeout bounds each run. The returned channel
// is closed once the sweeper goroutine has exited.
func StartReconcileSweeper(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	timeout time.Duration,
	log *zap.Logger,
	fix ReconcileFunc,
) <-chan struct{} {
	sweeper := NewSweeper(db, log, fix)
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCtx, cancel := runContext(ctx, timeout)
				n, err := sweeper.SweepOnce(runCtx)
				cancel()
				if err != nil {
					log.Error("failed to sweep pending reconciliations", zap.Error(err))
					continue
				}
				if n > 0 {
					log.Info("resumed pending reconciliations", zap.Int("fields", n))
				}
			}
		}
	}()
	return done
}

func runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
