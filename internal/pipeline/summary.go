package pipeline

import (
	"batchpack/internal/models"
)

var reportedPhases = []models.Phase{models.PhaseCrack, models.PhaseZip, models.PhaseUpload}

func buildSummary(items []*models.BatchItem) *models.BatchSummary {
	s := &models.BatchSummary{
		Total:    len(items),
		Failures: []models.Failure{},
		Links:    []models.Link{},
	}
	for _, it := range items {
		if it.DoCrack {
			count(it.Crack.Status, &s.Cracked, &s.CrackFailed)
		}
		if it.DoZip {
			count(it.Zip.Status, &s.Zipped, &s.ZipFailed)
		}
		if it.DoUpload {
			count(it.Upload.Status, &s.Uploaded, &s.UploadFailed)
		}
		if it.Convert.Status == models.StatusSuccess {
			s.Converted++
		}

		skipped, cancelled := false, false
		for _, p := range reportedPhases {
			o := it.Outcome(p)
			switch o.Status {
			case models.StatusFailed:
				s.Failures = append(s.Failures, models.Failure{ItemID: it.ID, Name: it.Name, Phase: p, Reason: o.Error})
			case models.StatusSkipped:
				skipped = true
			case models.StatusCancelled:
				cancelled = true
			}
		}
		switch {
		case skipped:
			s.Skipped++
		case cancelled:
			s.Cancelled++
		}

		if it.Upload.Status == models.StatusSuccess {
			s.Links = append(s.Links, models.Link{Name: it.Name, URL: it.Upload.Artifact, MirrorURL: it.Convert.Artifact})
		}
	}
	return s
}

func count(status models.PhaseStatus, ok, failed *int) {
	switch status {
	case models.StatusSuccess:
		*ok++
	case models.StatusFailed:
		*failed++
	}
}
