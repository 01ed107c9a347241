package dataset

import (
	"fmt"
	"os"
	"path/filepath"
)

const fileMode = 0644

type output struct {
	path  string
	write func(*os.File) error
}

// writeAll stages every output in a temp file next to its destination and
// renames them only after all of them were written.
func writeAll(outs ...output) error {
	staged := make([]string, 0, len(outs))
	cleanup := func() {
		for _, s := range staged {
			os.Remove(s)
		}
	}

	for _, o := range outs {
		tmp, err := stage(o)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, tmp)
	}

	for i, o := range outs {
		if err := os.Rename(staged[i], o.path); err != nil {
			cleanup()
			return fmt.Errorf("replacing %s: %w", o.path, err)
		}
	}
	return nil
}

func stage(o output) (string, error) {
	dir, base := filepath.Split(o.path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".*")
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", o.path, err)
	}
	if err := f.Chmod(fileMode); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("staging %s: %w", o.path, err)
	}
	if err := o.write(f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing %s: %w", o.path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing %s: %w", o.path, err)
	}
	return f.Name(), nil
}
