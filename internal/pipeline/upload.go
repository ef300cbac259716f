package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchpack/internal/models"
	"batchpack/internal/retry"
	"batchpack/internal/slots"
	"batchpack/pkg/utils"
)

type uploadJob struct {
	item    *models.BatchItem
	archive *models.ArchiveInfo
}

// uploadPipeline archives zip-then-upload items in order on this goroutine
// and feeds each archive to the upload workers without waiting for it.
func (r *run) uploadPipeline() {
	var queue []*models.BatchItem
	for _, it := range r.items {
		if it.DoUpload && r.readyToZip(it) {
			queue = append(queue, it)
		}
	}
	if len(queue) == 0 {
		return
	}

	// Sized so the producer never waits on the consumers.
	jobs := make(chan uploadJob, len(queue))
	busy := &busyClock{}
	var uploaded int64
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < r.pool.Size(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if n := r.uploadItem(job, busy); n > 0 {
					mu.Lock()
					uploaded += n
					mu.Unlock()
				}
			}
		}()
	}

	for _, it := range queue {
		if status, ok := r.stopped(it); ok {
			r.markStopped(it, models.PhaseZip, status)
			r.est.ZipDropped(it.ID)
			continue
		}
		if info, ok := r.zipItem(it, true); ok {
			jobs <- uploadJob{item: it, archive: info}
		}
	}
	close(jobs)
	wg.Wait()
	r.log.Debug().Int("peak_uploads", r.pool.Peak()).Dur("upload_time", busy.total()).Msg("uploads finished")

	if r.deps.Learner != nil {
		r.deps.Learner.RecordUpload(uploaded, busy.total())
	}
}

// uploadItem returns the bytes uploaded, zero unless the upload succeeded.
func (r *run) uploadItem(job uploadJob, busy *busyClock) (uploaded int64) {
	it := job.item
	ctx := r.itemCtx[it.ID]
	log := zerolog.Ctx(ctx).With().Str("phase", string(models.PhaseUpload)).Logger()
	size := job.archive.CompressedSize

	err := safely(func() error {
		h, err := r.pool.Claim(ctx, it.ID, size)
		if err != nil {
			status, ok := r.stopped(it)
			if !ok {
				status = models.StatusCancelled
				if r.pool.Skipped(it.ID) && !r.pool.Closed() {
					status = models.StatusSkipped
				}
			}
			r.markStopped(it, models.PhaseUpload, status)
			r.est.UploadDropped(it.ID)
			return nil
		}
		defer r.pool.Release(h)

		log.Debug().Int("slot", h.Index).Msg("slot claimed")
		it.Upload.Status = models.StatusRunning
		r.deps.Observer.StatusUpdate(it.ID, "uploading", SeverityInfo)

		start := r.opts.Now()
		res := r.opts.Retry.Run(h.Context(), r.batch, size, func(actx context.Context, attempt int) (string, error) {
			if attempt > 1 {
				r.deps.Observer.StatusUpdate(it.ID, fmt.Sprintf("retrying upload (attempt %d)", attempt), SeverityWarning)
			}
			began := r.opts.Now()
			url, err := r.deps.Uploader.Upload(actx, job.archive.ArchivePath, r.progressFunc(h))
			if err == nil {
				busy.add(began, r.opts.Now())
			}
			return url, err
		})
		it.Upload.Duration = r.opts.Now().Sub(start)
		it.Upload.Retries = res.Retries()

		switch res.Outcome {
		case retry.Success:
			uploaded = size
			r.uploadDone(it, job.archive, res)
		case retry.Failed:
			it.Upload.Fail(res.Err)
			r.est.UploadDropped(it.ID)
			log.Warn().Err(res.Err).Int("attempts", res.Attempts).Int64("bytes_sent", h.BytesDone()).Msg("upload failed")
			r.deps.Observer.StatusUpdate(it.ID, "upload failed: "+it.Upload.Error, SeverityError)
		case retry.Skipped:
			r.markStopped(it, models.PhaseUpload, models.StatusSkipped)
			r.est.UploadDropped(it.ID)
		case retry.CancelledBatch:
			r.markStopped(it, models.PhaseUpload, models.StatusCancelled)
			r.est.UploadDropped(it.ID)
		}
		return nil
	})
	if err != nil {
		it.Upload.Fail(err)
		r.est.UploadDropped(it.ID)
		log.Error().Err(err).Msg("upload crashed")
		return 0
	}
	r.report()
	return uploaded
}

func (r *run) uploadDone(it *models.BatchItem, archive *models.ArchiveInfo, res retry.Result) {
	it.Upload.Succeed(res.URL)
	r.est.UploadDone(it.ID)

	if r.deps.Converter != nil {
		if res.MirrorURL != "" {
			it.Convert.Succeed(res.MirrorURL)
		} else {
			it.Convert.Fail(res.ConvertErr)
			r.deps.Observer.StatusUpdate(it.ID, "mirror link unavailable, keeping upload link", SeverityWarning)
		}
		r.est.ConvertDone()
	}

	if !r.opts.KeepArchives {
		if err := utils.CleanupTempFile(archive.ArchivePath); err != nil {
			zerolog.Ctx(r.itemCtx[it.ID]).Warn().Err(err).Msg("removing uploaded archive")
		}
	}
	r.deps.Observer.StatusUpdate(it.ID, "uploaded: "+res.BestURL(), SeveritySuccess)
}

// progressFunc adapts uploader callbacks to slot and estimator updates.
func (r *run) progressFunc(h *slots.Handle) func(fraction float64, done, total int64) {
	var mu sync.Mutex
	lastAt := r.opts.Now()
	var lastDone int64
	return func(_ float64, done, _ int64) {
		mu.Lock()
		now := r.opts.Now()
		var rate float64
		if dt := now.Sub(lastAt).Seconds(); dt > 0 && done >= lastDone {
			rate = float64(done-lastDone) / dt
		}
		lastAt, lastDone = now, done
		mu.Unlock()

		r.pool.UpdateProgress(h, done, rate)
		r.est.UploadProgress(h.ItemID, done)
	}
}

// slotProgress is the throttled pool notification.
func (r *run) slotProgress(p slots.Progress) {
	r.est.ObserveUploadRate(r.pool.AggregateRate())
	pct := 0.0
	if p.TotalBytes > 0 {
		pct = float64(p.BytesDone) / float64(p.TotalBytes) * 100
	}
	r.deps.Observer.StatusUpdate(p.ItemID, fmt.Sprintf("uploading %.0f%% at %s", pct, utils.FormatRate(p.Rate)), SeverityInfo)
}

// busyClock measures the wall time during which at least one successful
// upload attempt ran. Backoff, failed attempts and conversion are not counted.
type busyClock struct {
	mu    sync.Mutex
	spans []span
}

type span struct{ from, to time.Time }

func (b *busyClock) add(from, to time.Time) {
	if !to.After(from) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spans = append(b.spans, span{from, to})
}

// total is the length of the union of all recorded spans.
func (b *busyClock) total() time.Duration {
	b.mu.Lock()
	spans := slices.Clone(b.spans)
	b.mu.Unlock()

	slices.SortFunc(spans, func(a, c span) int { return a.from.Compare(c.from) })
	var sum time.Duration
	var cur span
	for i, s := range spans {
		switch {
		case i == 0:
			cur = s
		case !s.from.After(cur.to):
			if s.to.After(cur.to) {
				cur.to = s.to
			}
		default:
			sum += cur.to.Sub(cur.from)
			cur = s
		}
	}
	if len(spans) > 0 {
		sum += cur.to.Sub(cur.from)
	}
	return sum
}
