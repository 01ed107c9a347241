package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	insertAggregation = `INSERT INTO aggregation
		(created_at, pattern, files, rows_total, width, inputs_path, labels_path, misaligned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`

	selectAggregations = `SELECT id, created_at, pattern, files, rows_total, width, inputs_path, labels_path, misaligned
		FROM aggregation ORDER BY id DESC LIMIT ?`
)

// Aggregation is a stored dataset build.
type Aggregation struct {
	ID         int64     `json:"id" yaml:"id"`
	Created    time.Time `json:"created" yaml:"created"`
	Pattern    string    `json:"pattern" yaml:"pattern"`
	Files      int       `json:"files" yaml:"files"`
	Rows       int       `json:"rows" yaml:"rows"`
	Width      int       `json:"width" yaml:"width"`
	InputsPath string    `json:"inputs" yaml:"inputs"`
	LabelsPath string    `json:"labels" yaml:"labels"`
	Misaligned bool      `json:"misaligned" yaml:"misaligned"`
}

// SaveAggregation stores a and sets its id and creation time.
func (s *Store) SaveAggregation(ctx context.Context, a *Aggregation) error {
	if err := s.check(); err != nil {
		return err
	}
	if a == nil {
		return errors.New("aggregation required")
	}

	a.Created = time.UnixMilli(time.Now().UnixMilli()).UTC()
	misaligned := 0
	if a.Misaligned {
		misaligned = 1
	}

	err := s.db.QueryRowContext(ctx, s.rebind(insertAggregation),
		a.Created.UnixMilli(), a.Pattern, a.Files, a.Rows, a.Width, a.InputsPath, a.LabelsPath, misaligned).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("inserting aggregation: %w", err)
	}
	return nil
}

// ListAggregations returns the most recent aggregations first.
func (s *Store) ListAggregations(ctx context.Context, limit int) ([]*Aggregation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(selectAggregations), limit)
	if err != nil {
		return nil, fmt.Errorf("querying aggregations: %w", err)
	}
	defer rows.Close()

	list := make([]*Aggregation, 0)
	for rows.Next() {
		var (
			a          Aggregation
			created    int64
			misaligned int
		)
		if err := rows.Scan(&a.ID, &created, &a.Pattern, &a.Files, &a.Rows, &a.Width,
			&a.InputsPath, &a.LabelsPath, &misaligned); err != nil {
			return nil, fmt.Errorf("scanning aggregation: %w", err)
		}
		a.Created = time.UnixMilli(created).UTC()
		a.Misaligned = misaligned != 0
		list = append(list, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregations: %w", err)
	}
	return list, nil
}
