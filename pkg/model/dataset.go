// Package model provides the data structures shared across the dataget
// engine: dataset records, cache keys, cache entries and file sets.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Checksum algorithms accepted in a dataset record.
const (
	// AlgorithmSHA256 is the default checksum algorithm.
	AlgorithmSHA256 = "sha256"
	// AlgorithmMD5 is supported for sources that only publish MD5 sums.
	AlgorithmMD5 = "md5"
	// AlgorithmSHA1 is supported for sources that only publish SHA-1 sums.
	AlgorithmSHA1 = "sha1"
)

// Dataset describes one dataset to fetch. It is immutable once loaded from a
// requirement file; the engine never mutates it.
type Dataset struct {
	// Source identifies where the data comes from (URL, DOI, s3:// URI, ...).
	Source string `json:"src" yaml:"src"`
	// Destination is the directory the dataset is placed under. The final
	// data directory is Destination/ProjectName.
	Destination string `json:"dst" yaml:"dst"`
	// ProjectName names the dataset; it becomes the directory name under
	// Destination and part of the cache identity.
	ProjectName string `json:"projectName" yaml:"projectName"`
	// Version distinguishes releases of the same source. Optional; an empty
	// version is a valid, distinct identity.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Checksum is the expected digest of the raw downloaded artifact,
	// verified before extraction. Optional.
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	// ChecksumAlgorithm selects the digest algorithm; sha256 when empty.
	ChecksumAlgorithm string `json:"checksumAlgorithm,omitempty" yaml:"checksumAlgorithm,omitempty"`
	// RemoteFilepath restricts multi-file sources to the named files.
	RemoteFilepath []string `json:"remote_filepath,omitempty" yaml:"remote_filepath,omitempty"`
	// Recursive asks multi-file sources to descend into folders.
	Recursive bool `json:"recursive,omitempty" yaml:"recursive,omitempty"`
	// Extra carries provider-specific settings that the engine passes
	// through without interpreting.
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// DataPath returns the directory the dataset's files live in once fetched.
func (d *Dataset) DataPath() string {
	return filepath.Join(d.Destination, d.ProjectName)
}

// Algorithm returns the effective checksum algorithm for the record.
func (d *Dataset) Algorithm() string {
	if d.ChecksumAlgorithm == "" {
		return AlgorithmSHA256
	}
	return strings.ToLower(d.ChecksumAlgorithm)
}

// Validate checks that the record carries everything the engine needs.
func (d *Dataset) Validate() error {
	if strings.TrimSpace(d.Source) == "" {
		return fmt.Errorf("dataset is missing required field src")
	}
	if strings.TrimSpace(d.Destination) == "" {
		return fmt.Errorf("dataset %q is missing required field dst", d.ProjectName)
	}
	if strings.TrimSpace(d.ProjectName) == "" {
		return fmt.Errorf("dataset with source %q is missing required field projectName", d.Source)
	}
	switch d.Algorithm() {
	case AlgorithmSHA256, AlgorithmMD5, AlgorithmSHA1:
	default:
		return fmt.Errorf("dataset %q has unsupported checksum algorithm %q", d.ProjectName, d.ChecksumAlgorithm)
	}
	return nil
}
