package models

type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
	Command   string `json:"command"`
}

type DeleteResult struct {
	BucketName     string   `json:"bucket_name"`
	Folder         string   `json:"folder"`
	DaysOld        int      `json:"days_old"`
	DryRun         bool     `json:"dry_run"`
	DeletedFiles   []string `json:"deleted_files"`
	DeletedCount   int      `json:"deleted_count"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	TotalSizeHuman string   `json:"total_size_human"`
	OperationTime  string   `json:"operation_time"`
	CutoffDate     string   `json:"cutoff_date"`
}

type CleanupResult struct {
	Folder   string   `json:"folder"`
	Restored []string `json:"restored"`
	Removed  []string `json:"removed"`
	Errors   []string `json:"errors,omitempty"`
}

type RatesInfo struct {
	Path               string  `json:"path"`
	ZipRateLevel0      float64 `json:"zip_rate_level0"`
	ZipRateCompressed  float64 `json:"zip_rate_compressed"`
	UploadRate         float64 `json:"upload_rate"`
	ZipLevel0Human     string  `json:"zip_level0_human"`
	ZipCompressedHuman string  `json:"zip_compressed_human"`
	UploadHuman        string  `json:"upload_human"`
	Reset              bool    `json:"reset,omitempty"`
}

// PlannedItem is one entry of a dry run.
type PlannedItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	Crack     bool   `json:"crack"`
	Zip       bool   `json:"zip"`
	Upload    bool   `json:"upload"`
	SizeBytes int64  `json:"size_bytes"`
	SizeHuman string `json:"size_human"`
}

type RunPlan struct {
	Items         []PlannedItem `json:"items"`
	TotalBytes    int64         `json:"total_bytes"`
	TotalHuman    string        `json:"total_human"`
	ArchiveDir    string        `json:"archive_dir"`
	ArchiveFormat string        `json:"archive_format"`
	BucketName    string        `json:"bucket_name,omitempty"`
	Estimate      string        `json:"estimate"`
	DryRun        bool          `json:"dry_run"`
}
