package recorder

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pump.lab/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExpand(t *testing.T) {
	r := Exec{Command: []string{"ffmpeg", "-i", "/dev/video0", "-metadata", "title=run {run} trial {trial}", "{output}"}}
	got := r.Expand(Trial{RunID: "abc", Number: 2, Output: "Data/Trial_2/Video_Trial_2.mp4"})
	assert.Equal(t, []string{"ffmpeg", "-i", "/dev/video0", "-metadata", "title=run abc trial 2", "Data/Trial_2/Video_Trial_2.mp4"}, got)
}

func TestStartWithoutCommand(t *testing.T) {
	_, err := Exec{}.Start(context.Background(), Trial{Number: 1})
	assert.ErrorIs(t, err, ErrNoCommand)

	_, err = Exec{Command: []string{"  "}}.Start(context.Background(), Trial{Number: 1})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Exec{Command: []string{"/nonexistent/recorder"}}.Start(context.Background(), Trial{Number: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/recorder")
}

func TestStopInterruptsProcess(t *testing.T) {
	requireShell(t)
	h, err := Exec{Command: []string{"sleep", "30"}}.Start(context.Background(), Trial{Number: 1})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	// Stop is idempotent.
	require.NoError(t, h.Stop(context.Background()))
}

func TestStopKillsAfterGrace(t *testing.T) {
	requireShell(t)
	r := Exec{Command: []string{"sh", "-c", `trap "" INT; exec sleep 30`}, StopGrace: 50 * time.Millisecond}
	h, err := r.Start(context.Background(), Trial{Number: 1})
	require.NoError(t, err)
	// let the shell install the trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, h.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStopReportsEarlyExit(t *testing.T) {
	requireShell(t)
	h, err := Exec{Command: []string{"sh", "-c", "echo no camera >&2; exit 3"}}.Start(context.Background(), Trial{Number: 4})
	require.NoError(t, err)

	eh := h.(*execHandle)
	select {
	case <-eh.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	err = h.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExited))
	assert.Contains(t, err.Error(), "no camera")
	assert.Contains(t, err.Error(), "trial 4")
}

func TestNop(t *testing.T) {
	h, err := Nop{}.Start(context.Background(), Trial{Number: 1})
	require.NoError(t, err)
	assert.NoError(t, h.Stop(context.Background()))
}
