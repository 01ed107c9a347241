package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mchmarny/fedtools/pkg/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), DataFileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DataFileName)

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	var version int
	require.NoError(t, s2.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestDriverFor(t *testing.T) {
	assert.Equal(t, driverPostgres, DriverFor("postgres://u:p@localhost/db"))
	assert.Equal(t, driverPostgres, DriverFor("postgresql://localhost/db"))
	assert.Equal(t, driverSqlite, DriverFor("/tmp/ledger.db"))
	assert.Equal(t, driverSqlite, DriverFor("ledger.db"))
}

func TestRedact(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"/tmp/ledger.db", "/tmp/ledger.db"},
		{"postgres://fed:s3cret@db:5432/runs?sslmode=disable", "postgres://fed:xxxxx@db:5432/runs?sslmode=disable"},
		{"postgresql://fed@db/runs", "postgresql://fed@db/runs"},
		{"postgres://fed:s3cret@db:bad-port/runs", "postgres://***"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got := Redact(tt.dsn)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "s3cret")
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: driverPostgres}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))

	lite := &Store{driver: driverSqlite}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}

func TestNilStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.StartSweep(ctx, sweep.DefaultGrid())
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.ListTrials(ctx, TrialFilter{})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, s.SaveAggregation(ctx, &Aggregation{}), ErrNotInitialized)
	assert.NoError(t, s.Close())
}

func exerciseStore(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	grid := sweep.Grid{Clients: []int{2}, Examples: []int{5}, SyncEvery: []int{10, 11}, AvgEvery: []int{10}}

	id, err := s.StartSweep(ctx, grid)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	rec := s.Recorder(id)
	ok := &sweep.TrialResult{
		Combination: sweep.Combination{Clients: 2, Examples: 5, SyncEvery: 10, AvgEvery: 10},
		LogPath:     "logs/2_5_10_10.txt",
		Status:      sweep.StatusOK,
		Started:     time.Now(),
		Duration:    1500 * time.Millisecond,
	}
	bad := &sweep.TrialResult{
		Combination: sweep.Combination{Clients: 2, Examples: 5, SyncEvery: 1, AvgEvery: 10},
		LogPath:     "logs/2_5_1_10.txt",
		Status:      sweep.StatusFailed,
		Error:       "exit status 1",
		Started:     time.Now(),
	}
	require.NoError(t, rec.Record(ctx, ok))
	require.NoError(t, rec.Record(ctx, bad))

	require.NoError(t, s.FinishSweep(ctx, id, &sweep.Summary{Checked: 2, Skipped: 1, Invoked: 2, Failed: 1}))
	assert.Error(t, s.FinishSweep(ctx, id, nil))

	sweeps, err := s.ListSweeps(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sweeps, 1)
	assert.Equal(t, grid, sweeps[0].Grid)
	assert.Equal(t, 1, sweeps[0].Failed)
	assert.NotNil(t, sweeps[0].Finished)

	all, err := s.ListTrials(ctx, TrialFilter{SweepID: id})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "logs/2_5_1_10.txt", all[0].LogPath, "most recent first")
	assert.Equal(t, 1500*time.Millisecond, all[1].Duration)

	failed, err := s.ListTrials(ctx, TrialFilter{Failed: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, sweep.StatusFailed, failed[0].Status)
	assert.Equal(t, "exit status 1", failed[0].Error)
	assert.Equal(t, 1, failed[0].SyncEvery)

	limited, err := s.ListTrials(ctx, TrialFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	a := &Aggregation{Pattern: "data/*/*/*.npy", Files: 4, Rows: 4, Width: 8000,
		InputsPath: "val-inputs.npy", LabelsPath: "val-labels.npy"}
	require.NoError(t, s.SaveAggregation(ctx, a))
	assert.Greater(t, a.ID, int64(0))

	aggs, err := s.ListAggregations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, a.Width, aggs[0].Width)
	assert.False(t, aggs[0].Misaligned)
}

func TestSqliteStore(t *testing.T) {
	s := setupTestStore(t)
	assert.Equal(t, driverSqlite, s.Driver())
	exerciseStore(t, s)
}

func TestRecorder_SurvivesCanceledContext(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.StartSweep(context.Background(), sweep.DefaultGrid())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := &sweep.TrialResult{Status: sweep.StatusFailed, Error: errors.New("signal: killed").Error(), Started: time.Now()}
	require.NoError(t, s.Recorder(id).Record(ctx, res))

	list, err := s.ListTrials(context.Background(), TrialFilter{SweepID: id})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReset(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.StartSweep(ctx, sweep.DefaultGrid())
	require.NoError(t, err)
	require.NoError(t, s.SaveTrial(ctx, id, &sweep.TrialResult{Status: sweep.StatusOK, Started: time.Now()}))
	require.NoError(t, s.SaveAggregation(ctx, &Aggregation{Pattern: "p", InputsPath: "x", LabelsPath: "y"}))

	require.NoError(t, s.Reset(ctx))

	sweeps, err := s.ListSweeps(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, sweeps)
	trials, err := s.ListTrials(ctx, TrialFilter{})
	require.NoError(t, err)
	assert.Empty(t, trials)
	aggs, err := s.ListAggregations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, aggs)
}
