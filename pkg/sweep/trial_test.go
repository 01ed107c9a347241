package sweep

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "launch.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env bash\n"+body+"\n"), 0755))
	return path
}

func TestScriptTrial_PassesArgs(t *testing.T) {
	script := writeScript(t, `echo "args: $1 $2 $3 $4"`)
	var out bytes.Buffer
	trial := &ScriptTrial{Script: script}

	err := trial.Run(context.Background(), Combination{2, 5, 10, 10}, &out)
	require.NoError(t, err)
	assert.Equal(t, "args: 2 5 10 10\n", out.String())
}

func TestScriptTrial_NonZeroExit(t *testing.T) {
	script := writeScript(t, "echo partial; exit 3")
	var out bytes.Buffer
	trial := &ScriptTrial{Script: script}

	err := trial.Run(context.Background(), Combination{2, 5, 1, 10}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Equal(t, "partial\n", out.String())
}

func TestScriptTrial_StderrSeparate(t *testing.T) {
	script := writeScript(t, "echo out; echo err >&2")
	var out, errOut bytes.Buffer
	trial := &ScriptTrial{Script: script, Stderr: &errOut}

	require.NoError(t, trial.Run(context.Background(), Combination{1, 1, 1, 1}, &out))
	assert.Equal(t, "out\n", out.String())
	assert.Equal(t, "err\n", errOut.String())
}

func TestScriptTrial_IdleKillAfterMarker(t *testing.T) {
	script := writeScript(t, `echo "client 0 final loss 0.12"; exec sleep 30`)
	var out bytes.Buffer
	trial := &ScriptTrial{Script: script, IdleTimeout: 200 * time.Millisecond}

	start := time.Now()
	err := trial.Run(context.Background(), Combination{2, 5, 1, 10}, &out)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, out.String(), "final loss")
}

func TestScriptTrial_IdleWithoutMarkerRunsToEnd(t *testing.T) {
	script := writeScript(t, "sleep 0.5; echo done")
	var out bytes.Buffer
	trial := &ScriptTrial{Script: script, IdleTimeout: 50 * time.Millisecond}

	require.NoError(t, trial.Run(context.Background(), Combination{2, 5, 1, 10}, &out))
	assert.Equal(t, "done\n", out.String())
}

func TestScriptTrial_ContextCanceled(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	err := (&ScriptTrial{Script: script}).Run(ctx, Combination{2, 5, 1, 10}, &out)
	assert.Error(t, err)
}

func TestScriptTrial_CommandDefaults(t *testing.T) {
	cmd := (&ScriptTrial{}).Command(context.Background(), Combination{2, 5, 10, 10})
	assert.Equal(t, []string{DefaultShell, DefaultScript, "2", "5", "10", "10"}, cmd.Args)
}

func TestIdleWriter(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	var out bytes.Buffer
	w := newIdleWriter(&out, "final loss", clock)

	_, err := w.Write([]byte("epoch 1 loss 0.5\nfinal "))
	require.NoError(t, err)
	now = now.Add(time.Minute)
	assert.False(t, w.idleFor(time.Second), "marker not seen yet")

	_, err = w.Write([]byte("loss 0.1\n"))
	require.NoError(t, err)
	assert.False(t, w.idleFor(time.Second))

	now = now.Add(2 * time.Second)
	assert.True(t, w.idleFor(time.Second))
	assert.True(t, strings.HasSuffix(out.String(), "final loss 0.1\n"))
}
