// Package archive normalizes fetched payloads: it detects compressed
// archives, extracts them in place, removes the archive file once its
// contents are safely on disk and strips platform junk the archive tools of
// other systems leave behind.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
	"github.com/glorpus-work/dataget/pkg/model"
	"github.com/mholt/archives"
)

// junkFiles are platform metadata files stripped after extraction.
var junkFiles = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}

// junkDirs are resource-fork directories stripped after extraction.
var junkDirs = map[string]bool{
	"__MACOSX": true,
}

// Manager handles archive extraction and payload normalization.
type Manager struct{}

// NewManager creates a new Manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// Normalize scans the top level of dir, extracts every archive in place,
// deletes each archive after its contents are extracted, strips platform
// junk and measures what remains. Non-archive payloads pass through
// unchanged. A failed extraction leaves the archive on disk for diagnosis.
func (am *Manager) Normalize(ctx context.Context, dir string) (model.FileSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return model.FileSet{}, errors.Wrapf(err, "failed to list %s", dir)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !am.isArchive(ctx, path) {
			continue
		}

		logger.Debugf("extracting %s", path)
		if err := am.ExtractAll(ctx, path, dir); err != nil {
			return model.FileSet{}, errors.Wrapf(errors.ErrExtraction, "failed to extract %s: %v", path, err)
		}
		if err := os.Remove(path); err != nil {
			return model.FileSet{}, errors.Wrapf(err, "failed to remove extracted archive %s", path)
		}
	}

	if err := am.stripJunk(dir); err != nil {
		return model.FileSet{}, err
	}
	return MeasureDir(dir)
}

// isArchive reports whether the file is a multi-file archive. Single-file
// compression (a lone .gz data file) is payload, not packaging, and passes
// through.
func (am *Manager) isArchive(ctx context.Context, path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = file.Close() }()

	format, _, err := archives.Identify(ctx, filepath.Base(path), file)
	if err != nil {
		return false
	}
	_, ok := format.(archives.Extractor)
	return ok
}

// ExtractAll extracts all files from an archive to the specified destination directory
func (am *Manager) ExtractAll(ctx context.Context, archivePath, destDir string) error {
	// Open the archive file
	fsys, err := archives.FileSystem(ctx, archivePath, nil)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	// Ensure archive FS is closed after extraction
	if closer, ok := fsys.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	// Ensure the destination directory exists
	if err := os.MkdirAll(destDir, fsutil.DirModeDefault); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	// Walk through all files in the archive and extract them via helper
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return am.extractEntry(fsys, path, destDir, d)
	}

	return fs.WalkDir(fsys, ".", walkFn)
}

// extractEntry processes a single archive entry and writes it to destDir.
func (am *Manager) extractEntry(fsys fs.FS, path, destDir string, d fs.DirEntry) error {
	// Skip the root directory
	if path == "." {
		return nil
	}

	targetPath := filepath.Join(destDir, path)

	if d.IsDir() {
		return os.MkdirAll(targetPath, fsutil.DirModeDefault)
	}

	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("failed to get file info for %s: %w", path, err)
	}

	// Handle symlinks
	if info.Mode()&os.ModeSymlink != 0 {
		return am.writeSymlink(fsys, path, targetPath)
	}

	// Handle regular files
	return am.writeRegularFile(fsys, path, targetPath, info)
}

// writeSymlink creates a symlink at targetPath with contents from the archive entry at path.
func (am *Manager) writeSymlink(fsys fs.FS, path, targetPath string) error {
	linkTarget, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", path, err)
	}
	defer func() { _ = linkTarget.Close() }()

	targetBytes, err := io.ReadAll(linkTarget)
	if err != nil {
		return fmt.Errorf("failed to read symlink target %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), fsutil.DirModeDefault); err != nil {
		return fmt.Errorf("failed to create parent directory for symlink %s: %w", path, err)
	}

	// Remove existing file/symlink if it exists
	_ = os.Remove(targetPath)

	return os.Symlink(string(targetBytes), targetPath)
}

// writeRegularFile writes a regular file from the archive entry to targetPath and preserves metadata.
func (am *Manager) writeRegularFile(fsys fs.FS, path, targetPath string, info fs.FileInfo) error {
	srcFile, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", path, err)
	}
	defer func() { _ = srcFile.Close() }()

	if err := os.MkdirAll(filepath.Dir(targetPath), fsutil.DirModeDefault); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}

	dstFile, err := fsutil.CreateFilePerm(targetPath, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", targetPath, err)
	}
	defer func() { _ = dstFile.Close() }()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file %s: %w", path, err)
	}

	if err := os.Chmod(targetPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set permissions for %s: %w", targetPath, err)
	}
	if err := os.Chtimes(targetPath, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set modification time for %s: %w", targetPath, err)
	}
	return nil
}

// stripJunk removes platform metadata entries anywhere under dir.
func (am *Manager) stripJunk(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if junkDirs[name] {
				if err := os.RemoveAll(path); err != nil {
					return errors.Wrapf(err, "failed to remove %s", path)
				}
				return filepath.SkipDir
			}
			return nil
		}
		if junkFiles[name] || strings.HasPrefix(name, "._") {
			if err := os.Remove(path); err != nil {
				return errors.Wrapf(err, "failed to remove %s", path)
			}
		}
		return nil
	})
}

// MeasureDir walks dir and reports the total size and number of regular
// files, the figures recorded on the cache entry.
func MeasureDir(dir string) (model.FileSet, error) {
	var set model.FileSet
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		set.SizeBytes += info.Size()
		set.FileCount++
		return nil
	})
	if err != nil {
		return model.FileSet{}, errors.Wrapf(err, "failed to measure %s", dir)
	}
	return set, nil
}
