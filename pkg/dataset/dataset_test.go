package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mchmarny/fedtools/pkg/npy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	speaker string
	class   string
	name    string
	rows    int
	width   int
}

func writeSamples(t *testing.T, root string, samples []sample) {
	t.Helper()
	for i, s := range samples {
		dir := filepath.Join(root, "data", s.speaker, s.class)
		require.NoError(t, os.MkdirAll(dir, 0755))
		data := make([]float64, s.rows*s.width)
		for j := range data {
			data[j] = float64(i)
		}
		saveMatrix(t, filepath.Join(dir, s.name), s.rows, s.width, data)
	}
}

func saveMatrix(t *testing.T, path string, rows, cols int, data []float64) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, npy.WriteMatrix(f, rows, cols, data))
	require.NoError(t, f.Close())
}

func testConfig(root string) *Config {
	cfg := DefaultConfig()
	cfg.Pattern = filepath.Join(root, DefaultPattern)
	cfg.InputsPath = filepath.Join(root, DefaultInputsPath)
	cfg.LabelsPath = filepath.Join(root, DefaultLabelsPath)
	cfg.Workers = 2
	return cfg
}

func TestAggregate_SingleRowFiles(t *testing.T) {
	root := t.TempDir()
	writeSamples(t, root, []sample{
		{"alice", "accio", "0.npy", 1, 4},
		{"alice", "nox", "1.npy", 1, 4},
		{"bob", "lumos", "2.npy", 1, 4},
		{"bob", "expelliarmus", "3.npy", 1, 4},
		{"bob", "accio", "4.npy", 1, 4},
	})
	cfg := testConfig(root)

	res, err := Aggregate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Files)
	assert.Equal(t, 5, res.Rows)
	assert.Equal(t, 4, res.Width)
	assert.False(t, res.Misaligned)
	assert.Equal(t, 2, res.Counts["accio"])

	x, err := npy.Load(cfg.InputsPath)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, x.Shape)

	y, err := npy.Load(cfg.LabelsPath)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, y.Shape)
	for _, v := range y.Data {
		assert.Contains(t, []float64{0, 1, 2, 3}, v)
	}

	// labels follow discovery order
	files, err := filepath.Glob(cfg.Pattern)
	require.NoError(t, err)
	for i, f := range files {
		_, id, err := Label(f, DefaultLabelSegment, cfg.Labels)
		require.NoError(t, err)
		assert.Equal(t, float64(id), y.Data[i])
		assert.Equal(t, id, res.Labels[i])
	}
}

func TestAggregate_MultiRowFilesMisaligned(t *testing.T) {
	root := t.TempDir()
	writeSamples(t, root, []sample{
		{"alice", "accio", "0.npy", 3, 2},
		{"alice", "nox", "1.npy", 2, 2},
	})
	cfg := testConfig(root)

	res, err := Aggregate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Rows)
	assert.Len(t, res.Labels, 2)
	assert.True(t, res.Misaligned)
}

func TestAggregate_UnknownLabelWritesNothing(t *testing.T) {
	root := t.TempDir()
	writeSamples(t, root, []sample{
		{"alice", "accio", "0.npy", 1, 4},
		{"alice", "wingardium", "1.npy", 1, 4},
	})
	cfg := testConfig(root)

	_, err := Aggregate(context.Background(), cfg)
	require.ErrorIs(t, err, ErrUnknownLabel)

	assert.NoFileExists(t, cfg.InputsPath)
	assert.NoFileExists(t, cfg.LabelsPath)
}

func TestAggregate_WidthMismatch(t *testing.T) {
	root := t.TempDir()
	writeSamples(t, root, []sample{
		{"alice", "accio", "0.npy", 1, 4},
		{"alice", "nox", "1.npy", 1, 3},
	})
	cfg := testConfig(root)

	_, err := Aggregate(context.Background(), cfg)
	require.ErrorIs(t, err, ErrWidthMismatch)
	assert.NoFileExists(t, cfg.InputsPath)
}

func TestAggregate_NoFiles(t *testing.T) {
	cfg := testConfig(t.TempDir())
	_, err := Aggregate(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestAggregate_OverwritesOutputs(t *testing.T) {
	root := t.TempDir()
	writeSamples(t, root, []sample{{"alice", "lumos", "0.npy", 1, 2}})
	cfg := testConfig(root)
	require.NoError(t, os.WriteFile(cfg.InputsPath, []byte("stale"), 0644))

	_, err := Aggregate(context.Background(), cfg)
	require.NoError(t, err)

	x, err := npy.Load(cfg.InputsPath)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, x.Shape)
}

func TestAggregate_NilConfig(t *testing.T) {
	_, err := Aggregate(context.Background(), nil)
	assert.Error(t, err)
}

func TestAggregate_Canceled(t *testing.T) {
	root := t.TempDir()
	writeSamples(t, root, []sample{{"alice", "lumos", "0.npy", 1, 2}})
	cfg := testConfig(root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Aggregate(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, cfg.InputsPath)
}

func TestLabel(t *testing.T) {
	labels := DefaultLabels()
	tests := []struct {
		path    string
		segment int
		name    string
		id      int64
		wantErr bool
	}{
		{"data/alice/accio/a.npy", 2, "accio", 0, false},
		{"data/bob/nox/b.npy", 2, "nox", 3, false},
		{"data/bob/expelliarmus/b.npy", 2, "expelliarmus", 1, false},
		{"data/bob/other/b.npy", 2, "", 0, true},
		{"data/lumos/x/b.npy", 3, "lumos", 2, false},
		{"a.npy", 2, "", 0, true},
		{"data/bob/nox/b.npy", 0, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			name, id, err := Label(tt.path, tt.segment, labels)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownLabel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestStack(t *testing.T) {
	arrays := []*npy.Array{
		{Shape: []int{2}, Data: []float64{1, 2}},
		{Shape: []int{2, 2}, Data: []float64{3, 4, 5, 6}},
	}
	data, rows, width, err := Stack([]string{"a", "b"}, arrays)
	require.NoError(t, err)
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, width)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, data)
}
