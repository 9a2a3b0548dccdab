package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CacheKey is the deterministic identity of a fetched dataset. It is derived
// from (source, projectName, version) only; destination and checksum are
// metadata, not identity.
type CacheKey string

// keyMaterial fixes the field order of the digested document so the key is
// stable across processes and releases.
type keyMaterial struct {
	ProjectName string `json:"projectName"`
	Source      string `json:"src"`
	Version     string `json:"version"`
}

// ComputeKey derives the cache key for a dataset record.
func ComputeKey(d *Dataset) CacheKey {
	material, err := json.Marshal(keyMaterial{
		ProjectName: d.ProjectName,
		Source:      d.Source,
		Version:     d.Version,
	})
	if err != nil {
		// Marshalling three strings cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(material)
	return CacheKey(hex.EncodeToString(sum[:]))
}

// String returns the hex form of the key.
func (k CacheKey) String() string { return string(k) }
