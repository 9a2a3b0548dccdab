package source

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/model"
)

// GitProvider clones version-controlled sources. The clone lands directly in
// the staging directory, so the promoted dataset carries its working tree
// and .git directory.
type GitProvider struct{}

// NewGit creates the git provider.
func NewGit() *GitProvider {
	return &GitProvider{}
}

// Name identifies the provider in logs and run reports.
func (p *GitProvider) Name() string { return "git" }

// Supports accepts sources ending in .git or using the git+ scheme prefix.
func (p *GitProvider) Supports(source string) bool {
	return strings.HasSuffix(source, ".git") || strings.HasPrefix(source, "git+")
}

// Fetch clones the repository into the staging directory. Without a pinned
// version the clone is shallow; a pinned version needs history, so the clone
// is full and the version is checked out afterwards.
func (p *GitProvider) Fetch(ctx context.Context, ds model.Dataset, stagingDir string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return errors.Wrap(err, "git is not installed")
	}
	source := strings.TrimPrefix(ds.Source, "git+")

	args := []string{"clone", "--quiet"}
	if ds.Version == "" {
		args = append(args, "--depth", "1")
	}
	args = append(args, source, stagingDir)
	if err := runGit(ctx, "", args...); err != nil {
		return errors.Transient(err)
	}

	if ds.Version != "" {
		if err := runGit(ctx, stagingDir, "checkout", "--quiet", ds.Version); err != nil {
			return errors.Wrapf(err, "version %s does not exist in %s", ds.Version, source)
		}
	}

	if head, err := gitOutput(ctx, stagingDir, "rev-parse", "--short", "HEAD"); err == nil {
		logger.Debugf("cloned %s at %s", source, head)
	}
	return nil
}

// EstimateSize cannot be answered for a repository ahead of the clone.
func (p *GitProvider) EstimateSize(_ context.Context, _ model.Dataset) (int64, error) {
	return -1, nil
}

// runGit executes one git command and folds stderr into the error.
func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return errors.Wrapf(err, "git %s failed: %s", args[0], msg)
		}
		return errors.Wrapf(err, "git %s failed", args[0])
	}
	return nil
}

// gitOutput runs one git command and returns its trimmed stdout.
func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}
