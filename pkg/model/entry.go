package model

import "time"

// CacheEntry is the stored record of one successful fetch. Entries are owned
// by the cache store; nothing else mutates them.
type CacheEntry struct {
	Key             CacheKey  `json:"key"`
	ProjectName     string    `json:"project_name"`
	DestinationPath string    `json:"destination_path"`
	SizeBytes       int64     `json:"size_bytes"`
	FileCount       int       `json:"file_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
}

// FileSet summarizes the files a fetch produced after normalization.
type FileSet struct {
	SizeBytes int64
	FileCount int
}
