package predictor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSpecArgs(t *testing.T) {
	spec := &JobSpec{
		MapPath:      "/run/map.mrc",
		SequencePath: "/run/seq.fasta",
		AuxModelPath: "/run/af2.pdb",
		ContourLevel: 0.15,
		OutputDir:    "/run/predictions",
	}

	assert.Equal(t, []string{
		"-m", "/run/map.mrc",
		"-f", "/run/seq.fasta",
		"-A", "/run/af2.pdb",
		"-c", "0.15",
		"-o", "/run/predictions",
		"-t", "10",
		"-T", "10",
	}, spec.Args())
}

func TestJobSpecArgsEmptyAuxModel(t *testing.T) {
	spec := &JobSpec{MapPath: "m", SequencePath: "f", OutputDir: "o", Threads: 4}
	args := spec.Args()
	assert.Equal(t, []string{"-m", "m", "-f", "f", "-A", "", "-c", "0", "-o", "o", "-t", "4", "-T", "4"}, args)
}

func TestCommandLineDefaultLauncher(t *testing.T) {
	r := NewRunner(Config{
		InstallDir:    "/opt/dmm",
		ActivationCmd: "eval conda shell.bash hook && conda activate dmm",
	})
	spec := &JobSpec{MapPath: "m", SequencePath: "f", OutputDir: "o"}

	line := r.commandLine(spec, Invocation{})
	assert.Contains(t, line, "eval conda shell.bash hook && conda activate dmm && ")
	assert.Contains(t, line, "/opt/dmm/dmm_full_multithreads.sh -p /opt/dmm -m m")
}

func TestCommandLineCustomLauncher(t *testing.T) {
	r := NewRunner(Config{InstallDir: "/opt/dmm"})
	spec := &JobSpec{MapPath: "m", SequencePath: "f", OutputDir: "o"}

	line := r.commandLine(spec, Invocation{Launcher: "/opt/dmm/run_gpu.sh"})
	assert.Equal(t, "/opt/dmm/run_gpu.sh -m m -f f -A  -c 0 -o o -t 10 -T 10", line)
}

func TestRunSuccessAndFailure(t *testing.T) {
	r := NewRunner(Config{InstallDir: t.TempDir()})
	spec := &JobSpec{OutputDir: "o"}

	ok := Invocation{Launcher: "true #"} // comments out the rendered args
	assert.NoError(t, r.Run(context.Background(), spec, ok))

	bad := Invocation{Launcher: "false #"}
	assert.Error(t, r.Run(context.Background(), spec, bad))
}

func TestCollectOutputRelocatesAndCleans(t *testing.T) {
	installDir := t.TempDir()
	r := NewRunner(Config{InstallDir: installDir})

	staged := r.StagingDir("vol1")
	require.NoError(t, os.MkdirAll(staged, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, ScoreFileName), []byte("ATOM"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "extra.log"), []byte("log"), 0644))

	destDir := filepath.Join(t.TempDir(), "predictions")
	scorePath, err := r.CollectOutput("vol1", destDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(destDir, ScoreFileName), scorePath)

	// Relocated files are present and intact.
	data, err := os.ReadFile(scorePath)
	require.NoError(t, err)
	assert.Equal(t, "ATOM", string(data))
	_, err = os.Stat(filepath.Join(destDir, "extra.log"))
	assert.NoError(t, err)

	// The shared staging tree must be gone.
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
}

func TestCollectOutputMissingDir(t *testing.T) {
	r := NewRunner(Config{InstallDir: t.TempDir()})

	_, err := r.CollectOutput("vol1", filepath.Join(t.TempDir(), "predictions"))
	assert.ErrorIs(t, err, ErrMissingOutput)
}

func TestStagingLockExcludes(t *testing.T) {
	installDir := t.TempDir()

	lock, err := LockStaging(context.Background(), installDir)
	require.NoError(t, err)

	// A second acquisition must block until the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = LockStaging(ctx, installDir)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	lock.Unlock()

	relock, err := LockStaging(context.Background(), installDir)
	require.NoError(t, err)
	relock.Unlock()
}

func TestStagingLockBreaksStale(t *testing.T) {
	installDir := t.TempDir()
	path := filepath.Join(installDir, resultSubdir+".lock")
	require.NoError(t, os.MkdirAll(filepath.Join(installDir, resultSubdir), 0755))
	require.NoError(t, os.WriteFile(path, []byte("pid 0\n"), 0644))

	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	lock, err := LockStaging(context.Background(), installDir)
	require.NoError(t, err)
	lock.Unlock()
}
