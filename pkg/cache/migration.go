package cache

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/glorpus-work/dataget/internal/logger"
	pkgerrors "github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
	"github.com/glorpus-work/dataget/pkg/model"
)

// Legacy per-project cache files. Earlier releases wrote one JSON record
// next to each fetched dataset instead of using the shared store.
const (
	legacyCacheName    = "dataget_cache.json"
	legacyRecordSuffix = "_cache_record.json"

	// migratedSuffix is appended to a legacy file after it has been
	// replayed into the store.
	migratedSuffix = ".migrated"
)

// legacyFormatCeiling is the newest legacy record format this build can
// replay. Records stamped with a newer major version are skipped.
const legacyFormatCeiling = 3

// MigrationReport counts the outcome of a legacy cache migration.
type MigrationReport struct {
	Migrated int
	Skipped  int
}

// legacyRecord mirrors the JSON written by the per-project cache files.
type legacyRecord struct {
	Config       map[string]any `json:"config"`
	Timestamp    string         `json:"timestamp"`
	CacheVersion string         `json:"cache_version"`
}

// MigrateLegacy scans the given roots for per-project cache records,
// recomputes their keys and commits them into the store. The record's
// parent directory is taken as the dataset's destination. With archive
// set, processed files are renamed aside so later runs skip them.
func (s *Store) MigrateLegacy(ctx context.Context, roots []string, archive bool) (*MigrationReport, error) {
	report := &MigrationReport{}
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			logger.Debugf("migration root %s is not accessible, skipping", root)
			continue
		}
		files, err := findLegacyFiles(root)
		if err != nil {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrCacheMigration, "failed to scan %s: %v", root, err)
		}
		for _, file := range files {
			migrated, err := s.migrateFile(ctx, file, archive)
			if err != nil {
				return nil, err
			}
			if migrated {
				report.Migrated++
			} else {
				report.Skipped++
			}
		}
	}
	logger.Debugf("cache migration finished: %d migrated, %d skipped", report.Migrated, report.Skipped)
	return report, nil
}

func findLegacyFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("cannot read %s during migration scan: %v", path, err)
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if name == legacyCacheName || strings.HasSuffix(name, legacyRecordSuffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// migrateFile replays one legacy record. It returns false for records that
// are skipped: unreadable files, records without a source, formats newer
// than this build understands, destinations whose data is gone, and keys
// already present in the store.
func (s *Store) migrateFile(ctx context.Context, file string, archive bool) (bool, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		logger.Warnf("cannot read legacy cache file %s: %v", file, err)
		return false, nil
	}

	var record legacyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		logger.Warnf("legacy cache file %s is not valid JSON: %v", file, err)
		return false, nil
	}

	source := stringField(record.Config, "src")
	if source == "" {
		logger.Warnf("legacy cache file %s has no source, skipping", file)
		return false, nil
	}
	if !legacyFormatSupported(record.CacheVersion) {
		logger.Warnf("legacy cache file %s was written by a newer release (format %s), skipping", file, record.CacheVersion)
		return false, nil
	}

	destination, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		logger.Warnf("cannot resolve destination for %s: %v", file, err)
		return false, nil
	}
	sizeBytes, fileCount := measureTree(destination)
	if fileCount == 0 {
		logger.Debugf("legacy cache file %s points at empty destination %s, skipping", file, destination)
		return false, nil
	}

	projectName := stringField(record.Config, "projectName")
	if projectName == "" {
		projectName = filepath.Base(destination)
	}
	key := model.ComputeKey(&model.Dataset{
		Source:      source,
		ProjectName: projectName,
		Version:     stringField(record.Config, "version"),
	})

	existing, err := s.Lookup(ctx, key)
	if err != nil {
		return false, pkgerrors.Wrapf(pkgerrors.ErrCacheMigration, "failed to check store for %s: %v", file, err)
	}
	if existing != nil {
		logger.Debugf("legacy cache file %s already has a store entry, skipping", file)
		if archive {
			archiveLegacyFile(file)
		}
		return false, nil
	}

	created := parseLegacyTime(record.Timestamp)
	err = s.Commit(ctx, model.CacheEntry{
		Key:             key,
		ProjectName:     projectName,
		DestinationPath: destination,
		SizeBytes:       sizeBytes,
		FileCount:       fileCount,
		CreatedAt:       created,
		LastAccessedAt:  created,
	})
	if err != nil {
		return false, pkgerrors.Wrapf(pkgerrors.ErrCacheMigration, "failed to commit entry for %s: %v", file, err)
	}

	logger.Infof("migrated legacy cache record %s into the store", file)
	if archive {
		archiveLegacyFile(file)
	}
	return true, nil
}

func stringField(m map[string]any, key string) string {
	if value, ok := m[key].(string); ok {
		return value
	}
	return ""
}

func legacyFormatSupported(cacheVersion string) bool {
	if cacheVersion == "" {
		return true
	}
	v, err := version.NewVersion(cacheVersion)
	if err != nil {
		return true
	}
	return v.Segments()[0] <= legacyFormatCeiling
}

func archiveLegacyFile(file string) {
	if err := fsutil.Move(file, file+migratedSuffix); err != nil {
		logger.Warnf("cannot archive legacy cache file %s: %v", file, err)
	}
}

// measureTree sums sizes and counts of regular files under root, ignoring
// the legacy index files themselves. The legacy records carried no reliable
// size information, so it is recomputed.
func measureTree(root string) (int64, int) {
	var size int64
	var count int
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() || isLegacyArtifact(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size += info.Size()
		count++
		return nil
	})
	return size, count
}

func isLegacyArtifact(name string) bool {
	name = strings.TrimSuffix(name, migratedSuffix)
	return name == legacyCacheName || strings.HasSuffix(name, legacyRecordSuffix)
}

// parseLegacyTime accepts the zone-less ISO timestamps the old records
// carried, falling back to the current time for unparsable values.
func parseLegacyTime(value string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
