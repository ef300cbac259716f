package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"batchpack/internal/models"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "info"
}

// Observer receives what a host shows the user. Calls arrive from several
// goroutines. ProgressUpdate values never decrease within a run.
type Observer interface {
	StatusUpdate(itemID, text string, severity Severity)
	ProgressUpdate(percent float64, eta time.Duration)
	Summary(summary *models.BatchSummary)
}

// LogObserver writes every event to a zerolog logger.
type LogObserver struct {
	Log zerolog.Logger
}

func (o LogObserver) StatusUpdate(itemID, text string, severity Severity) {
	var ev *zerolog.Event
	switch severity {
	case SeverityWarning:
		ev = o.Log.Warn()
	case SeverityError:
		ev = o.Log.Error()
	default:
		ev = o.Log.Info()
	}
	ev.Str("item", itemID).Msg(text)
}

func (o LogObserver) ProgressUpdate(percent float64, eta time.Duration) {
	o.Log.Debug().Float64("percent", percent).Dur("eta", eta).Msg("progress")
}

func (o LogObserver) Summary(s *models.BatchSummary) {
	o.Log.Info().Int("failed", s.Failed()).Msg(s.Line())
}

type nopObserver struct{}

func (nopObserver) StatusUpdate(string, string, Severity) {}
func (nopObserver) ProgressUpdate(float64, time.Duration) {}
func (nopObserver) Summary(*models.BatchSummary)          {}
