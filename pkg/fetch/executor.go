// Package fetch implements the atomic fetch protocol: disk-space gating,
// staged retrieval with a fixed retry schedule, checksum verification of the
// raw artifact and promotion of the staging directory by a single rename.
// Nothing ever appears at the final data path unless the whole protocol
// succeeded.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glorpus-work/dataget/internal/clock"
	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
	"github.com/glorpus-work/dataget/pkg/model"
)

// retrySchedule holds the waits applied before successive retries. Transient
// failures consume the schedule in order; exhausting it fails the fetch.
var retrySchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
}

// Executor drives one dataset through the fetch protocol. Time is injected
// so the retry schedule is testable without sleeping.
type Executor struct {
	clock clock.Clock
}

// NewExecutor creates an executor. A nil clock selects real time.
func NewExecutor(clk clock.Clock) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Executor{clock: clk}
}

// Execute fetches the dataset and returns the final data path. On success
// the payload sits at dataset.DataPath(), promoted there by a single rename.
// On failure the data path does not exist; an interrupted fetch leaves its
// staging directory behind for the clean sweep.
func (e *Executor) Execute(ctx context.Context, fetcher Fetcher, ds model.Dataset) (string, error) {
	dataPath := ds.DataPath()

	if err := fsutil.EnsureDir(ds.Destination); err != nil {
		return "", err
	}

	size, err := fetcher.EstimateSize(ctx, ds)
	if err != nil {
		logger.Debugf("size estimate for %s unavailable: %v", ds.ProjectName, err)
		size = -1
	}
	if err := EnsureFreeSpace(ds.Destination, size); err != nil {
		return "", err
	}

	// A previous result at the data path is stale by the time Execute runs;
	// clear it so failures leave nothing partial behind.
	if err := os.RemoveAll(dataPath); err != nil {
		return "", errors.Wrapf(err, "failed to clear %s", dataPath)
	}

	for attempt := 0; ; attempt++ {
		staging, err := e.attempt(ctx, fetcher, ds)
		if err == nil {
			if err := os.Rename(staging, dataPath); err != nil {
				_ = os.RemoveAll(staging)
				return "", errors.Wrapf(err, "failed to promote %s", staging)
			}
			logger.Debugf("promoted %s to %s", staging, dataPath)
			return dataPath, nil
		}

		if ctx.Err() != nil {
			return "", err
		}
		if !errors.IsTransient(err) {
			return "", err
		}
		if attempt >= len(retrySchedule) {
			return "", errors.Wrapf(err, "fetch of %s failed after %d retries", ds.ProjectName, len(retrySchedule))
		}

		delay := retrySchedule[attempt]
		logger.Warnf("fetch of %s failed (%v), retrying in %s", ds.ProjectName, err, delay)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-e.clock.After(delay):
		}
	}
}

// attempt performs one staged retrieval. On success the populated staging
// directory is returned, ready to promote. On failure the staging directory
// is removed, except when the context was canceled mid-transfer.
func (e *Executor) attempt(ctx context.Context, fetcher Fetcher, ds model.Dataset) (string, error) {
	staging, err := os.MkdirTemp(ds.Destination, fsutil.StagingPrefix+"*")
	if err != nil {
		return "", errors.Wrapf(err, "failed to create staging directory in %s", ds.Destination)
	}

	if err := fetcher.Fetch(ctx, ds, staging); err != nil {
		if ctx.Err() == nil {
			_ = os.RemoveAll(staging)
		}
		return "", err
	}

	if ds.Checksum != "" {
		artifact, err := singleArtifact(staging)
		if err != nil {
			_ = os.RemoveAll(staging)
			return "", err
		}
		if err := VerifyChecksum(artifact, ds.Algorithm(), ds.Checksum); err != nil {
			_ = os.RemoveAll(staging)
			return "", err
		}
	}

	return staging, nil
}

// singleArtifact locates the one raw file a checksum can apply to. Multi-file
// retrievals cannot be checksummed as a unit.
func singleArtifact(stagingDir string) (string, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list %s", stagingDir)
	}
	if len(entries) != 1 || entries[0].IsDir() {
		return "", fmt.Errorf("checksum verification requires a single downloaded file, staging holds %d entries", len(entries))
	}
	return filepath.Join(stagingDir, entries[0].Name()), nil
}
