// Package dataset assembles a validation set from per-class .npy sample files.
//
// Every matched file belongs to the class named by one of its parent
// directories. Files are stacked into a single feature matrix and paired with
// a label vector holding one class id per file.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mchmarny/fedtools/pkg/npy"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPattern      = "data/*/*/*.npy"
	DefaultLabelSegment = 2
	DefaultInputsPath   = "val-inputs.npy"
	DefaultLabelsPath   = "val-labels.npy"
)

var (
	ErrUnknownLabel  = errors.New("unknown label")
	ErrNoFiles       = errors.New("no files matched")
	ErrWidthMismatch = errors.New("feature width mismatch")
)

// DefaultLabels returns the class name to id mapping of the spoken-spell
// audio set.
func DefaultLabels() map[string]int64 {
	return map[string]int64{
		"accio":        0,
		"expelliarmus": 1,
		"lumos":        2,
		"nox":          3,
	}
}

// Config drives a single aggregation.
type Config struct {
	// Pattern is the glob used to discover sample files.
	Pattern string
	// LabelSegment selects the class directory counting from the end of the
	// path: 1 is the file name, 2 its parent directory.
	LabelSegment int
	// Labels maps class names to ids.
	Labels map[string]int64
	// InputsPath and LabelsPath are the output files.
	InputsPath string
	LabelsPath string
	// Workers bounds concurrent file loads. Zero uses GOMAXPROCS.
	Workers int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Pattern:      DefaultPattern,
		LabelSegment: DefaultLabelSegment,
		Labels:       DefaultLabels(),
		InputsPath:   DefaultInputsPath,
		LabelsPath:   DefaultLabelsPath,
	}
}

// Result summarizes an aggregation.
type Result struct {
	Pattern    string         `json:"pattern" yaml:"pattern"`
	Files      int            `json:"files" yaml:"files"`
	Rows       int            `json:"rows" yaml:"rows"`
	Width      int            `json:"width" yaml:"width"`
	Counts     map[string]int `json:"counts" yaml:"counts"`
	Labels     []int64        `json:"-" yaml:"-"`
	InputsPath string         `json:"inputs" yaml:"inputs"`
	LabelsPath string         `json:"labels" yaml:"labels"`
	// Misaligned is set when some file held more than one row, so the label
	// vector no longer lines up with the matrix rows.
	Misaligned bool `json:"misaligned" yaml:"misaligned"`
}

// Aggregate discovers the sample files, stacks them and writes the inputs
// and labels files. Nothing is written unless every file is labeled and
// loaded.
func Aggregate(ctx context.Context, cfg *Config) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}

	files, err := filepath.Glob(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", cfg.Pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, cfg.Pattern)
	}
	slog.Debug("discovered sample files", "pattern", cfg.Pattern, "count", len(files))

	labels := make([]int64, len(files))
	counts := make(map[string]int)
	for i, f := range files {
		name, id, err := Label(f, cfg.LabelSegment, cfg.Labels)
		if err != nil {
			return nil, err
		}
		labels[i] = id
		counts[name]++
	}

	arrays, err := loadAll(ctx, files, cfg.Workers)
	if err != nil {
		return nil, err
	}

	data, rows, width, err := Stack(files, arrays)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Pattern:    cfg.Pattern,
		Files:      len(files),
		Rows:       rows,
		Width:      width,
		Counts:     counts,
		Labels:     labels,
		InputsPath: cfg.InputsPath,
		LabelsPath: cfg.LabelsPath,
		Misaligned: rows != len(files),
	}
	if res.Misaligned {
		slog.Warn("label vector is not aligned with feature rows", "files", len(files), "rows", rows)
	}

	err = writeAll(
		output{cfg.InputsPath, func(f *os.File) error { return npy.WriteMatrix(f, rows, width, data) }},
		output{cfg.LabelsPath, func(f *os.File) error { return npy.WriteVector(f, labels) }},
	)
	if err != nil {
		return nil, err
	}

	slog.Info("dataset written", "inputs", cfg.InputsPath, "labels", cfg.LabelsPath, "rows", rows, "width", width)
	return res, nil
}

// Label returns the class name and id for path. The class name is the
// segment-th path element counting from the end.
func Label(path string, segment int, labels map[string]int64) (string, int64, error) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if segment < 1 || segment > len(parts) {
		return "", 0, fmt.Errorf("%w: %s has no segment %d from the end", ErrUnknownLabel, path, segment)
	}
	name := parts[len(parts)-segment]
	id, ok := labels[name]
	if !ok {
		return "", 0, fmt.Errorf("%w: %q in %s", ErrUnknownLabel, name, path)
	}
	return name, id, nil
}

func loadAll(ctx context.Context, files []string, workers int) ([]*npy.Array, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	arrays := make([]*npy.Array, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := npy.Load(f)
			if err != nil {
				return err
			}
			arrays[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return arrays, nil
}

// Stack concatenates arrays vertically in order. All arrays must share the
// same row width.
func Stack(files []string, arrays []*npy.Array) (data []float64, rows, width int, err error) {
	for i, a := range arrays {
		if i == 0 {
			width = a.Cols()
		} else if a.Cols() != width {
			return nil, 0, 0, fmt.Errorf("%w: %s has %d columns, expected %d", ErrWidthMismatch, files[i], a.Cols(), width)
		}
		rows += a.Rows()
	}

	data = make([]float64, 0, rows*width)
	for _, a := range arrays {
		data = append(data, a.Data...)
	}
	return data, rows, width, nil
}
