// Package predictor builds and runs the external residue-scoring predictor
// and collects its output from the shared installation directory into the
// run's private workspace.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// resultSubdir is where the predictor drops its output inside its own
	// installation directory, one subdirectory per input volume base name.
	resultSubdir = "Predict_Result"

	// ScoreFileName is the per-residue score file within the output tree.
	ScoreFileName = "DMM_score_w9.pdb"

	// defaultLauncher is the predictor's multithreaded entry script.
	defaultLauncher = "dmm_full_multithreads.sh"

	defaultThreads = 10
)

// ErrMissingOutput reports that the predictor exited successfully but its
// expected output directory does not exist. This is distinct from a job
// failure: the process claims success, the result is orphaned.
var ErrMissingOutput = errors.New("predictor output directory missing after successful run")

// Config is the injected environment for predictor invocations: everything
// that would otherwise be discovered from ambient host state.
type Config struct {
	// InstallDir is the predictor's installation directory. It doubles as
	// the working directory for the run and the parent of the shared
	// Predict_Result staging tree.
	InstallDir string

	// ActivationCmd is the environment-activation prefix (e.g. a conda
	// activate chain) composed in front of the program with " && ".
	ActivationCmd string

	// Shell runs the composed command line. Empty means "bash".
	Shell string
}

// JobSpec describes one predictor run over a normalized map.
type JobSpec struct {
	MapPath      string
	SequencePath string

	// AuxModelPath optionally points at a predicted structure (e.g. an
	// AlphaFold model) the predictor uses as a guide. Empty is passed
	// through as an empty -A argument.
	AuxModelPath string

	ContourLevel float64

	// OutputDir is the run-private directory the predictor writes its
	// working output to, and where the staged result tree is relocated.
	OutputDir string

	Threads int
}

// Invocation is the explicit choice of invocation shape. The zero value
// runs the default launcher with the install dir passed via -p; setting
// Launcher runs a fully custom entry point instead.
type Invocation struct {
	Launcher string
}

// Args renders the predictor command-line arguments for the job.
func (spec *JobSpec) Args() []string {
	threads := spec.Threads
	if threads <= 0 {
		threads = defaultThreads
	}
	return []string{
		"-m", spec.MapPath,
		"-f", spec.SequencePath,
		"-A", spec.AuxModelPath,
		"-c", strconv.FormatFloat(spec.ContourLevel, 'g', -1, 64),
		"-o", spec.OutputDir,
		"-t", strconv.Itoa(threads),
		"-T", strconv.Itoa(threads),
	}
}

// Runner executes predictor jobs against one installation.
type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// InstallDir returns the installation directory the runner operates in.
func (r *Runner) InstallDir() string {
	return r.cfg.InstallDir
}

// commandLine composes the activation prefix, the launcher, and the
// argument list into one shell command.
func (r *Runner) commandLine(spec *JobSpec, inv Invocation) string {
	args := spec.Args()

	launcher := inv.Launcher
	if launcher == "" {
		launcher = filepath.Join(r.cfg.InstallDir, defaultLauncher)
		// The default launcher needs to know where the predictor lives.
		args = append([]string{"-p", r.cfg.InstallDir}, args...)
	}

	parts := append([]string{launcher}, args...)
	program := strings.Join(parts, " ")
	if r.cfg.ActivationCmd == "" {
		return program
	}
	return r.cfg.ActivationCmd + " && " + program
}

// Run launches the predictor and blocks until it exits. The process runs
// with the installation directory as its working directory. A non-zero
// exit is a job failure; no partial output is trusted.
func (r *Runner) Run(ctx context.Context, spec *JobSpec, inv Invocation) error {
	shell := r.cfg.Shell
	if shell == "" {
		shell = "bash"
	}
	line := r.commandLine(spec, inv)

	slog.Info("launching predictor", "cmd", line, "cwd", r.cfg.InstallDir)
	start := time.Now()

	cmd := exec.CommandContext(ctx, shell, "-c", line)
	cmd.Dir = r.cfg.InstallDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("predictor run failed: %w: %s", err, string(output))
	}

	slog.Info("predictor finished", "duration", time.Since(start))
	return nil
}

// StagingDir is the shared output directory the predictor writes for a
// given volume base name.
func (r *Runner) StagingDir(volumeBase string) string {
	return filepath.Join(r.cfg.InstallDir, resultSubdir, volumeBase)
}

// CollectOutput relocates the predictor's staged output tree for the given
// volume into destDir and removes the staged tree, leaving the shared
// installation directory as it was found. Returns the path of the score
// file within destDir.
//
// The caller must hold the staging lock (see LockStaging) from before Run
// until after CollectOutput; concurrent runs sharing one installation
// would otherwise race on the same staging subtree.
func (r *Runner) CollectOutput(volumeBase, destDir string) (string, error) {
	staged := r.StagingDir(volumeBase)

	if _, err := os.Stat(staged); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrMissingOutput, staged)
		}
		return "", fmt.Errorf("failed to stat predictor output %s: %w", staged, err)
	}

	if err := os.RemoveAll(destDir); err != nil {
		return "", fmt.Errorf("failed to clear destination %s: %w", destDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(destDir), os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create parent of %s: %w", destDir, err)
	}

	if err := os.Rename(staged, destDir); err != nil {
		// Rename fails across filesystems; fall back to copy + remove.
		if err := copyTree(staged, destDir); err != nil {
			return "", fmt.Errorf("failed to relocate predictor output: %w", err)
		}
		if err := os.RemoveAll(staged); err != nil {
			return "", fmt.Errorf("failed to remove staged predictor output %s: %w", staged, err)
		}
	}

	return filepath.Join(destDir, ScoreFileName), nil
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()

		_, err = io.Copy(out, in)
		return err
	})
}
