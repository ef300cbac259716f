package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"batchpack/internal/archiver"
	"batchpack/internal/crack"
	"batchpack/internal/models"
	"batchpack/pkg/utils"
)

// cleanupPhase runs for every item regardless of its flags.
func (r *run) cleanupPhase() {
	if r.deps.Cleaner == nil {
		return
	}
	for _, it := range r.items {
		if r.batch.Err() != nil {
			return
		}
		ctx := r.itemCtx[it.ID]
		log := zerolog.Ctx(ctx)
		err := safely(func() error {
			rep := r.deps.Cleaner.Clean(ctx, it.Folder)
			for _, e := range rep.Errors {
				log.Warn().Err(e).Str("phase", string(models.PhaseCleanup)).Msg("cleanup problem ignored")
			}
			if rep.Changed() {
				r.deps.Observer.StatusUpdate(it.ID, fmt.Sprintf("cleaned %d leftovers", len(rep.Restored)+len(rep.Removed)), SeverityInfo)
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Msg("cleanup crashed")
		}
	}
}

// crackPhase patches one item at a time. Items that don't want a patch
// succeed trivially so later phases can treat every item alike.
func (r *run) crackPhase() {
	for _, it := range r.items {
		if !it.DoCrack {
			it.Crack.Succeed("")
			continue
		}
		if status, ok := r.stopped(it); ok {
			r.markStopped(it, models.PhaseCrack, status)
			r.est.CrackDone()
			continue
		}
		r.crackItem(it)
		r.est.CrackDone()
		r.report()
	}
}

func (r *run) crackItem(it *models.BatchItem) {
	ctx := r.itemCtx[it.ID]
	start := r.opts.Now()
	it.Crack.Status = models.StatusRunning
	r.deps.Observer.StatusUpdate(it.ID, "patching", SeverityInfo)

	var res crack.Result
	err := safely(func() error {
		var err error
		res, err = r.deps.Cracker.Crack(ctx, crack.Context{Folder: it.Folder, AppID: it.AppID, Emulator: r.opts.Emulator})
		return err
	})
	it.Crack.Duration = r.opts.Now().Sub(start)

	if status, ok := r.stopped(it); ok {
		r.markStopped(it, models.PhaseCrack, status)
		return
	}
	if err == nil && !res.Success {
		err = errors.New(crackErrors(res))
	}
	if err != nil {
		it.Crack.Fail(err)
		zerolog.Ctx(ctx).Warn().Err(err).Str("phase", string(models.PhaseCrack)).Msg("patch failed")
		r.deps.Observer.StatusUpdate(it.ID, "patch failed: "+it.Crack.Error, SeverityError)
		return
	}
	it.Crack.Succeed(it.Folder)
	r.deps.Observer.StatusUpdate(it.ID, fmt.Sprintf("patched %d files", len(res.ModifiedFiles)), SeveritySuccess)
}

func crackErrors(res crack.Result) string {
	if len(res.Errors) == 0 {
		return "patch tool reported failure"
	}
	return strings.Join(res.Errors, "; ")
}

// readyToZip is false when the item was stopped or its patch failed; the
// zip and upload outcomes then stay pending with a reason.
func (r *run) readyToZip(it *models.BatchItem) bool {
	if !it.DoZip {
		return false
	}
	if status, ok := r.stopped(it); ok {
		r.markStopped(it, models.PhaseZip, status)
		r.est.ZipDropped(it.ID)
		return false
	}
	if it.Crack.Status != models.StatusSuccess {
		it.Zip.Error = "not attempted: patch " + it.Crack.Status.String()
		r.est.ZipDropped(it.ID)
		return false
	}
	return true
}

// zipOnlyPhase archives every zip-only item at once.
func (r *run) zipOnlyPhase() {
	var g errgroup.Group
	for _, it := range r.items {
		if it.DoUpload || !r.readyToZip(it) {
			continue
		}
		g.Go(func() error {
			r.zipItem(it, false)
			return nil
		})
	}
	_ = g.Wait()
}

// zipItem archives one item. serialized marks archives made one at a time,
// the only ones whose throughput is worth learning from.
func (r *run) zipItem(it *models.BatchItem, serialized bool) (*models.ArchiveInfo, bool) {
	ctx := r.itemCtx[it.ID]
	log := zerolog.Ctx(ctx).With().Str("phase", string(models.PhaseZip)).Logger()
	it.Zip.Status = models.StatusRunning
	r.deps.Observer.StatusUpdate(it.ID, "archiving", SeverityInfo)

	req := archiver.Request{
		Folder:   it.Folder,
		Output:   r.archives[it.ID],
		Format:   r.opts.Format,
		Level:    r.opts.Level,
		Password: r.opts.Password,
	}
	onProgress := func(pct int) {
		r.est.ZipProgress(it.ID, it.SizeBytes*int64(pct)/100)
		r.deps.Observer.StatusUpdate(it.ID, fmt.Sprintf("archiving %d%%", pct), SeverityInfo)
	}

	start := r.opts.Now()
	var info *models.ArchiveInfo
	err := safely(func() error {
		var err error
		info, err = r.deps.Archiver.Compress(ctx, req, onProgress)
		if err != nil || info == nil {
			return err
		}
		return r.verify(ctx, req, info)
	})
	it.Zip.Duration = r.opts.Now().Sub(start)

	// A finished archive for a stopped item is thrown away.
	if status, ok := r.stopped(it); ok {
		if err == nil && info != nil {
			_ = utils.CleanupTempFile(info.ArchivePath)
		}
		r.markStopped(it, models.PhaseZip, status)
		r.est.ZipDropped(it.ID)
		return nil, false
	}
	if err == nil && info == nil {
		err = errors.New("archiver returned no archive")
	}
	if err != nil {
		it.Zip.Fail(err)
		r.est.ZipDropped(it.ID)
		log.Warn().Err(err).Msg("archive failed")
		r.deps.Observer.StatusUpdate(it.ID, "archive failed: "+it.Zip.Error, SeverityError)
		r.report()
		return nil, false
	}

	it.Zip.Succeed(info.ArchivePath)
	r.est.ZipDone(it.ID)
	if it.DoUpload {
		r.est.SetUploadSize(it.ID, info.CompressedSize)
	}
	if serialized && info.Elapsed > 0 {
		if r.deps.Learner != nil {
			r.deps.Learner.RecordZip(r.opts.Level, info.OriginalSize, info.Elapsed)
		}
		r.est.ObserveZipRate(float64(info.OriginalSize) / info.Elapsed.Seconds())
	}
	log.Info().Str("archive", info.ArchivePath).Int64("bytes", info.CompressedSize).Msg("archived")
	r.deps.Observer.StatusUpdate(it.ID, "archived "+utils.FormatBytes(info.CompressedSize), SeveritySuccess)
	r.report()
	return info, true
}

// verify rejects an archive whose content is not the requested format and
// removes it.
func (r *run) verify(ctx context.Context, req archiver.Request, info *models.ArchiveInfo) error {
	if r.deps.Verify == nil {
		return nil
	}
	format, err := r.deps.Verify(ctx, info.ArchivePath)
	if err == nil && format != req.Format {
		err = errors.Errorf("%w: %s holds %s, want %s", archiver.ErrCorrupt, filepath.Base(info.ArchivePath), format, req.Format)
	}
	if err != nil {
		_ = utils.CleanupTempFile(info.ArchivePath)
		return errors.Errorf("verifying archive: %w", err)
	}
	return nil
}
