package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Resampler drives ChimeraX in batch mode to resample a map to a target
// sampling rate. ChimeraX is optional; callers check Installed and fall
// back to the unresampled map with a warning when it is absent.
type Resampler struct {
	// Program is the ChimeraX executable path, injected from config rather
	// than discovered from ambient host state.
	Program string

	// WaitTimeout bounds how long to wait for the output file after the
	// ChimeraX process exits. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration
}

const (
	// DefaultTargetRate is the sampling rate, in angstroms per voxel, that
	// maps are resampled to when a submission does not specify one.
	DefaultTargetRate = 1.0

	DefaultWaitTimeout = 2 * time.Minute

	initialPollInterval = 250 * time.Millisecond
	maxPollInterval     = 5 * time.Second
)

// ErrResampleTimeout is returned when ChimeraX exits cleanly but the saved
// map never shows up within the wait window.
var ErrResampleTimeout = errors.New("timed out waiting for resampled volume")

// Installed reports whether the configured ChimeraX binary exists.
func (r *Resampler) Installed() bool {
	if r.Program == "" {
		return false
	}
	if _, err := os.Stat(r.Program); err != nil {
		return false
	}
	return true
}

// WriteScript writes the ChimeraX command script that opens the input map,
// resamples it to the target spacing, saves the result, and exits. The
// resampled volume becomes model #2, hence the save target.
func (r *Resampler) WriteScript(scriptPath, inVol string, rate float64, outVol string) error {
	f, err := os.Create(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to create resample script %s: %w", scriptPath, err)
	}
	defer f.Close()

	fmt.Fprintf(f, "cd %s\n", filepath.Dir(scriptPath))
	fmt.Fprintf(f, "open %s\n", inVol)
	fmt.Fprintf(f, "vol resample #1 spacing %g\n", rate)
	fmt.Fprintf(f, "save %s model #2\n", outVol)
	fmt.Fprintf(f, "exit\n")
	return nil
}

// Resample runs ChimeraX non-interactively on a generated script and waits
// for the output file. On some hosts ChimeraX forks and the process exit
// does not guarantee the save has completed, so after a clean exit the
// output path is polled with exponential backoff until it appears or the
// wait window closes.
func (r *Resampler) Resample(ctx context.Context, inVol string, rate float64, outVol string) error {
	scriptPath := filepath.Join(filepath.Dir(outVol), "resampleVolume.cxc")
	if err := r.WriteScript(scriptPath, inVol, rate, outVol); err != nil {
		return err
	}

	slog.Info("resampling volume with chimerax", "input", inVol, "rate", rate, "output", outVol)

	cmd := exec.CommandContext(ctx, r.Program, "--nogui", "--silent", scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("chimerax resample failed: %w: %s", err, string(output))
	}

	return r.waitForOutput(ctx, outVol)
}

func (r *Resampler) waitForOutput(ctx context.Context, outVol string) error {
	timeout := r.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	interval := initialPollInterval
	for {
		if _, err := os.Stat(outVol); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrResampleTimeout, outVol)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}
