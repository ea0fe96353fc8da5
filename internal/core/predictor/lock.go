package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	lockRetryInterval = 2 * time.Second
	staleLockAge      = 2 * time.Hour
)

// StagingLock serializes use of the predictor's shared Predict_Result
// staging tree. The lock is a file created with O_EXCL next to the staging
// directory, so it also excludes other processes sharing the installation.
// It must be held from job launch through output relocation.
type StagingLock struct {
	path string
}

// LockStaging acquires the staging lock for an installation directory,
// retrying until the context is done. A lock file older than staleLockAge
// is assumed to be left over from a crashed run and is broken.
func LockStaging(ctx context.Context, installDir string) (*StagingLock, error) {
	if err := os.MkdirAll(filepath.Join(installDir, resultSubdir), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	path := filepath.Join(installDir, resultSubdir+".lock")

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "pid %d\n", os.Getpid())
			f.Close()
			return &StagingLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create staging lock %s: %w", path, err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			slog.Warn("breaking stale staging lock", "path", path, "age", time.Since(info.ModTime()))
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("failed to break stale staging lock %s: %w", path, rmErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for staging lock %s: %w", path, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

// Unlock releases the staging lock.
func (l *StagingLock) Unlock() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("failed to remove staging lock", "path", l.path, "error", err)
	}
}
