package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mchmarny/fedtools/pkg/sweep"
)

const defaultListLimit = 100

const (
	insertSweep = `INSERT INTO sweep (started_at, grid) VALUES (?, ?) RETURNING id`

	updateSweep = `UPDATE sweep SET finished_at = ?, checked = ?, skipped = ?, invoked = ?, failed = ?
		WHERE id = ?`

	insertTrial = `INSERT INTO trial
		(sweep_id, clients, examples, sync_every, avg_every, log_path, status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSweeps = `SELECT id, started_at, COALESCE(finished_at, 0), grid, checked, skipped, invoked, failed
		FROM sweep ORDER BY id DESC LIMIT ?`
)

// SweepRecord is a stored sweep.
type SweepRecord struct {
	ID       int64      `json:"id" yaml:"id"`
	Started  time.Time  `json:"started" yaml:"started"`
	Finished *time.Time `json:"finished,omitempty" yaml:"finished,omitempty"`
	Grid     sweep.Grid `json:"grid" yaml:"grid"`
	Checked  int        `json:"checked" yaml:"checked"`
	Skipped  int        `json:"skipped" yaml:"skipped"`
	Invoked  int        `json:"invoked" yaml:"invoked"`
	Failed   int        `json:"failed" yaml:"failed"`
}

// TrialRecord is a stored trial.
type TrialRecord struct {
	ID                int64 `json:"id" yaml:"id"`
	SweepID           int64 `json:"sweep_id" yaml:"sweep_id"`
	sweep.TrialResult `yaml:",inline"`
}

// TrialFilter narrows ListTrials.
type TrialFilter struct {
	SweepID int64
	Failed  bool
	Limit   int
}

// StartSweep stores a new sweep over grid and returns its id.
func (s *Store) StartSweep(ctx context.Context, grid sweep.Grid) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	b, err := json.Marshal(grid)
	if err != nil {
		return 0, fmt.Errorf("encoding grid: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, s.rebind(insertSweep), time.Now().UnixMilli(), string(b)).Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting sweep: %w", err)
	}
	return id, nil
}

// FinishSweep stores the final counters of a sweep.
func (s *Store) FinishSweep(ctx context.Context, id int64, sum *sweep.Summary) error {
	if err := s.check(); err != nil {
		return err
	}
	if sum == nil {
		return fmt.Errorf("summary required for sweep %d", id)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(updateSweep),
		time.Now().UnixMilli(), sum.Checked, sum.Skipped, sum.Invoked, sum.Failed, id)
	if err != nil {
		return fmt.Errorf("updating sweep %d: %w", id, err)
	}
	return nil
}

// SaveTrial stores one trial result under sweepID.
func (s *Store) SaveTrial(ctx context.Context, sweepID int64, r *sweep.TrialResult) error {
	if err := s.check(); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("trial result required for sweep %d", sweepID)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(insertTrial),
		sweepID, r.Clients, r.Examples, r.SyncEvery, r.AvgEvery,
		r.LogPath, string(r.Status), r.Error, r.Started.UnixMilli(), r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("inserting trial %s: %w", r.Combination.String(), err)
	}
	return nil
}

// Recorder returns a sweep.Recorder that stores trials under sweepID.
func (s *Store) Recorder(sweepID int64) sweep.Recorder {
	return &recorder{store: s, sweepID: sweepID}
}

type recorder struct {
	store   *Store
	sweepID int64
}

func (r *recorder) Record(ctx context.Context, res *sweep.TrialResult) error {
	// the trial may have been cut short by cancellation, still keep its row
	return r.store.SaveTrial(context.WithoutCancel(ctx), r.sweepID, res)
}

// ListSweeps returns the most recent sweeps first.
func (s *Store) ListSweeps(ctx context.Context, limit int) ([]*SweepRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(selectSweeps), limit)
	if err != nil {
		return nil, fmt.Errorf("querying sweeps: %w", err)
	}
	defer rows.Close()

	list := make([]*SweepRecord, 0)
	for rows.Next() {
		var (
			r                 SweepRecord
			started, finished int64
			grid              string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &grid, &r.Checked, &r.Skipped, &r.Invoked, &r.Failed); err != nil {
			return nil, fmt.Errorf("scanning sweep: %w", err)
		}
		if err := json.Unmarshal([]byte(grid), &r.Grid); err != nil {
			return nil, fmt.Errorf("decoding grid of sweep %d: %w", r.ID, err)
		}
		r.Started = time.UnixMilli(started).UTC()
		if finished > 0 {
			f := time.UnixMilli(finished).UTC()
			r.Finished = &f
		}
		list = append(list, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sweeps: %w", err)
	}
	return list, nil
}

// ListTrials returns trials matching f, most recent first.
func (s *Store) ListTrials(ctx context.Context, f TrialFilter) ([]*TrialRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	q := `SELECT id, sweep_id, clients, examples, sync_every, avg_every, log_path, status, error, started_at, duration_ms
		FROM trial WHERE 1 = 1`
	args := make([]any, 0, 3)
	if f.SweepID > 0 {
		q += ` AND sweep_id = ?`
		args = append(args, f.SweepID)
	}
	if f.Failed {
		q += ` AND status = ?`
		args = append(args, string(sweep.StatusFailed))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying trials: %w", err)
	}
	defer rows.Close()

	list := make([]*TrialRecord, 0)
	for rows.Next() {
		var (
			r                 TrialRecord
			status            string
			started, duration int64
		)
		err := rows.Scan(&r.ID, &r.SweepID, &r.Clients, &r.Examples, &r.SyncEvery, &r.AvgEvery,
			&r.LogPath, &status, &r.Error, &started, &duration)
		if err != nil {
			return nil, fmt.Errorf("scanning trial: %w", err)
		}
		r.Status = sweep.Status(status)
		r.Started = time.UnixMilli(started).UTC()
		r.Duration = time.Duration(duration) * time.Millisecond
		list = append(list, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trials: %w", err)
	}
	return list, nil
}
