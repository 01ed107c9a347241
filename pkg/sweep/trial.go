package sweep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	DefaultShell      = "bash"
	DefaultScript     = "./reset_and_launch.sh"
	DefaultDoneMarker = "final loss"

	waitDelay       = 5 * time.Second
	maxIdlePollRate = 500 * time.Millisecond
)

// Trial runs the experiment for one combination, streaming its output to out.
type Trial interface {
	Run(ctx context.Context, c Combination, out io.Writer) error
}

// TrialFunc adapts a function to the Trial interface.
type TrialFunc func(ctx context.Context, c Combination, out io.Writer) error

func (f TrialFunc) Run(ctx context.Context, c Combination, out io.Writer) error {
	return f(ctx, c, out)
}

// ScriptTrial launches an external script with the four combination values
// as positional arguments.
type ScriptTrial struct {
	// Shell interprets Script. Defaults to bash.
	Shell string
	// Script is the launcher path. Defaults to ./reset_and_launch.sh.
	Script string
	// Dir is the working directory of the process.
	Dir string
	// Stderr receives the process stderr. Defaults to os.Stderr.
	Stderr io.Writer
	// IdleTimeout, when positive, kills the process once DoneMarker was
	// printed and no further output arrived for this long.
	IdleTimeout time.Duration
	DoneMarker  string
}

// Command builds the process for c without starting it.
func (s *ScriptTrial) Command(ctx context.Context, c Combination) *exec.Cmd {
	shell := s.Shell
	if shell == "" {
		shell = DefaultShell
	}
	script := s.Script
	if script == "" {
		script = DefaultScript
	}

	cmd := exec.CommandContext(ctx, shell, append([]string{script}, c.Args()...)...)
	cmd.Dir = s.Dir
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// descendants holding the pipe open must not block Wait forever
	cmd.WaitDelay = waitDelay
	return cmd
}

func (s *ScriptTrial) Run(ctx context.Context, c Combination, out io.Writer) error {
	cmd := s.Command(ctx, c)

	if s.IdleTimeout <= 0 {
		cmd.Stdout = out
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s %v: %w", cmd.Path, c, err)
		}
		return nil
	}

	marker := s.DoneMarker
	if marker == "" {
		marker = DefaultDoneMarker
	}
	w := newIdleWriter(out, marker, time.Now)
	cmd.Stdout = w

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s %v: %w", cmd.Path, c, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(min(max(s.IdleTimeout/2, time.Millisecond), maxIdlePollRate))
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("%s %v: %w", cmd.Path, c, err)
			}
			return nil
		case <-ticker.C:
			if !w.idleFor(s.IdleTimeout) {
				continue
			}
			slog.Debug("killing idle trial", "combination", c.String(), "idle", s.IdleTimeout)
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("killing idle %s %v: %w", cmd.Path, c, err)
			}
			<-done
			return nil
		}
	}
}

// idleWriter forwards output and tracks when the last chunk arrived and
// whether the done marker has been seen.
type idleWriter struct {
	mu     sync.Mutex
	out    io.Writer
	marker []byte
	tail   []byte
	seen   bool
	last   time.Time
	now    func() time.Time
}

func newIdleWriter(out io.Writer, marker string, now func() time.Time) *idleWriter {
	return &idleWriter{
		out:    out,
		marker: []byte(marker),
		last:   now(),
		now:    now,
	}
}

func (w *idleWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.last = w.now()
	if !w.seen && len(w.marker) > 0 {
		// keep a short tail so a marker split across writes is still found
		buf := append(w.tail, p...)
		if bytes.Contains(buf, w.marker) {
			w.seen = true
			w.tail = nil
		} else {
			keep := min(len(buf), len(w.marker)-1)
			w.tail = append([]byte(nil), buf[len(buf)-keep:]...)
		}
	}
	return w.out.Write(p)
}

func (w *idleWriter) idleFor(d time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen && w.now().Sub(w.last) >= d
}
