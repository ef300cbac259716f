package models

import "time"

type ArchiveInfo struct {
	ArchivePath      string        `json:"archive_path"`
	SourceFolder     string        `json:"source_folder"`
	Format           string        `json:"format"`
	Level            int           `json:"level"`
	CompressedSize   int64         `json:"compressed_size"`
	OriginalSize     int64         `json:"original_size"`
	CompressionRatio float64       `json:"compression_ratio"`
	Elapsed          time.Duration `json:"elapsed"`
	CreatedAt        time.Time     `json:"created_at"`
}
