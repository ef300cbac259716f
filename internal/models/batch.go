package models

import (
	"fmt"
	"time"
)

type PhaseStatus int

const (
	StatusPending PhaseStatus = iota
	StatusRunning
	StatusSuccess
	StatusFailed
	StatusSkipped
	StatusCancelled
)

func (s PhaseStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s PhaseStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Phase string

const (
	PhaseCleanup Phase = "cleanup"
	PhaseCrack   Phase = "crack"
	PhaseZip     Phase = "zip"
	PhaseUpload  Phase = "upload"
	PhaseConvert Phase = "convert"
)

// PhaseOutcome is the result of one phase for one item. Artifact holds the
// archive path for zip and the URL for upload/convert.
type PhaseOutcome struct {
	Status   PhaseStatus   `json:"status"`
	Error    string        `json:"error,omitempty"`
	Artifact string        `json:"artifact,omitempty"`
	Retries  int           `json:"retries,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

func (o *PhaseOutcome) Succeed(artifact string) {
	o.Status = StatusSuccess
	o.Artifact = artifact
	o.Error = ""
}

func (o *PhaseOutcome) Fail(err error) {
	o.Status = StatusFailed
	if err != nil {
		o.Error = err.Error()
	}
}

type BatchItem struct {
	ID        string `json:"id"`
	Folder    string `json:"folder"`
	Name      string `json:"name"`
	AppID     string `json:"app_id"`
	DoCrack   bool   `json:"crack"`
	DoZip     bool   `json:"zip"`
	DoUpload  bool   `json:"upload"`
	SizeBytes int64  `json:"size_bytes"`

	Crack   PhaseOutcome `json:"crack_outcome"`
	Zip     PhaseOutcome `json:"zip_outcome"`
	Upload  PhaseOutcome `json:"upload_outcome"`
	Convert PhaseOutcome `json:"convert_outcome"`
}

// Outcome returns the outcome slot for the given phase.
func (b *BatchItem) Outcome(p Phase) *PhaseOutcome {
	switch p {
	case PhaseCrack:
		return &b.Crack
	case PhaseZip:
		return &b.Zip
	case PhaseUpload:
		return &b.Upload
	case PhaseConvert:
		return &b.Convert
	}
	return nil
}

type Failure struct {
	ItemID string `json:"item_id"`
	Name   string `json:"name"`
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason"`
}

type Link struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MirrorURL string `json:"mirror_url,omitempty"`
}

// BatchSummary aggregates item outcomes at the end of a run. Cancelled and
// skipped items are counted separately and never as failures.
type BatchSummary struct {
	Total         int       `json:"total"`
	Cracked       int       `json:"cracked"`
	CrackFailed   int       `json:"crack_failed"`
	Zipped        int       `json:"zipped"`
	ZipFailed     int       `json:"zip_failed"`
	Uploaded      int       `json:"uploaded"`
	UploadFailed  int       `json:"upload_failed"`
	Converted     int       `json:"converted"`
	Skipped       int       `json:"skipped"`
	Cancelled     int       `json:"cancelled"`
	Failures      []Failure `json:"failures"`
	Links         []Link    `json:"links"`
	Duration      string    `json:"duration"`
	OperationTime string    `json:"operation_time"`
}

// Failed is the number of items with at least one failed phase.
func (s *BatchSummary) Failed() int {
	seen := make(map[string]struct{}, len(s.Failures))
	for _, f := range s.Failures {
		seen[f.ItemID] = struct{}{}
	}
	return len(seen)
}

// Line is the one-line aggregate shown at the end of a run.
func (s *BatchSummary) Line() string {
	return fmt.Sprintf("%d cracked, %d zipped, %d uploaded, %d failed", s.Cracked, s.Zipped, s.Uploaded, s.Failed())
}
