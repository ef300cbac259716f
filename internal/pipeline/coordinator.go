package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"batchpack/internal/archiver"
	"batchpack/internal/models"
	"batchpack/internal/progress"
	"batchpack/internal/rates"
	"batchpack/internal/retry"
	"batchpack/internal/slots"
	"batchpack/pkg/utils"
)

const (
	DefaultProgressInterval = 20 * time.Second
	CancelAllCommand        = "all"
)

// ErrInvariant is the only error Run returns: the batch can't be run as given.
var ErrInvariant = errors.Base("pipeline invariant violated")

type Options struct {
	ArchiveDir   string
	Format       archiver.Format
	Level        int
	Password     string
	Emulator     string
	KeepArchives bool

	UploadWorkers int
	// Retry supplies attempts, backoff and sleep; Converter comes from Deps.
	Retry retry.Policy

	ProgressInterval time.Duration
	Progress         progress.Options
	Now              func() time.Time
}

type Coordinator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Coordinator {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.Format == "" {
		opts.Format = archiver.FormatZip
	}
	if opts.UploadWorkers < 1 {
		opts.UploadWorkers = slots.DefaultSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Progress.Now == nil {
		opts.Progress.Now = opts.Now
	}
	opts.Retry.Converter = deps.Converter
	return &Coordinator{deps: deps, opts: opts}
}

// Run processes items and returns the batch summary. Items are updated in
// place. commands carries item ids to skip, or "all" to cancel the batch;
// it may be nil. Cancelling ctx is the same as "all".
func (c *Coordinator) Run(ctx context.Context, items []*models.BatchItem, commands <-chan string) (*models.BatchSummary, error) {
	if err := c.check(items); err != nil {
		return nil, err
	}

	start := c.opts.Now()
	r := c.newRun(ctx, items)
	defer r.cancelBatch()

	log := zerolog.Ctx(ctx)
	model := rates.Defaults()
	if c.deps.Learner != nil {
		m, err := c.deps.Learner.Begin()
		if err != nil {
			log.Warn().Err(err).Msg("using default rates")
		}
		model = m
	}
	r.est = progress.NewEstimator(r.plan(), model, c.opts.Progress)
	log.Info().Int("items", len(items)).Dur("estimate", r.est.InitialTotal()).Msg("batch started")

	done := make(chan struct{})
	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); r.watchCommands(commands, done) }()
	go func() { defer bg.Done(); r.tick(done) }()

	r.report()
	r.cleanupPhase()
	r.crackPhase()
	r.zipOnlyPhase()
	r.uploadPipeline()

	close(done)
	bg.Wait()

	final := r.mono.Finish()
	c.deps.Observer.ProgressUpdate(final.Percent, 0)

	if c.deps.Learner != nil {
		if m, err := c.deps.Learner.Commit(); err != nil {
			log.Warn().Err(err).Msg("saving learned rates")
		} else {
			log.Debug().Float64("zip_level0", m.ZipLevel0).Float64("zip_compressed", m.ZipCompressed).Float64("upload", m.Upload).Msg("rates saved")
		}
	}

	summary := buildSummary(items)
	summary.Duration = c.opts.Now().Sub(start).Round(time.Millisecond).String()
	summary.OperationTime = utils.FormatTime(start)
	c.deps.Observer.Summary(summary)
	return summary, nil
}

func (c *Coordinator) check(items []*models.BatchItem) error {
	ids := make(map[string]struct{}, len(items))
	for i, it := range items {
		switch {
		case it == nil:
			return errors.Errorf("%w: item %d is nil", ErrInvariant, i)
		case it.ID == "" || it.ID == CancelAllCommand:
			return errors.Errorf("%w: item %d has id %q", ErrInvariant, i, it.ID)
		case it.DoUpload && !it.DoZip:
			return errors.Errorf("%w: %s uploads without zipping", ErrInvariant, it.Name)
		case it.DoCrack && c.deps.Cracker == nil:
			return errors.Errorf("%w: %s needs a cracker", ErrInvariant, it.Name)
		case it.DoZip && c.deps.Archiver == nil:
			return errors.Errorf("%w: %s needs an archiver", ErrInvariant, it.Name)
		case it.DoUpload && c.deps.Uploader == nil:
			return errors.Errorf("%w: %s needs an uploader", ErrInvariant, it.Name)
		}
		if _, dup := ids[it.ID]; dup {
			return errors.Errorf("%w: duplicate item id %q", ErrInvariant, it.ID)
		}
		ids[it.ID] = struct{}{}
	}
	return nil
}

// run is the state of one Run call.
type run struct {
	*Coordinator
	items []*models.BatchItem
	log   *zerolog.Logger

	batch       context.Context
	cancelBatch context.CancelFunc
	itemCtx     map[string]context.Context
	itemCancel  map[string]context.CancelFunc

	pool     *slots.Pool
	est      *progress.Estimator
	mono     progress.Monotonic
	reportMu sync.Mutex

	archives map[string]string
}

func (c *Coordinator) newRun(ctx context.Context, items []*models.BatchItem) *run {
	batch, cancel := context.WithCancel(ctx)
	r := &run{
		Coordinator: c,
		items:       items,
		log:         zerolog.Ctx(ctx),
		batch:       batch,
		cancelBatch: cancel,
		itemCtx:     make(map[string]context.Context, len(items)),
		itemCancel:  make(map[string]context.CancelFunc, len(items)),
	}
	for _, it := range items {
		ictx, icancel := context.WithCancel(batch)
		r.itemCtx[it.ID] = r.log.With().Str("item", it.Name).Logger().WithContext(ictx)
		r.itemCancel[it.ID] = icancel
	}
	r.pool = slots.New(c.opts.UploadWorkers, slots.WithNotify(r.slotProgress), slots.WithClock(c.opts.Now))
	r.archives = planArchivePaths(items, c.opts.ArchiveDir, c.opts.Format)
	return r
}

func (r *run) plan() progress.Plan {
	return PlanFor(r.items, r.opts.Level, r.deps.Converter != nil)
}

// PlanFor is the work the estimator starts from for items.
func PlanFor(items []*models.BatchItem, level int, convert bool) progress.Plan {
	p := progress.Plan{
		ZipBytes:    make(map[string]int64),
		ZipLevel:    level,
		UploadBytes: make(map[string]int64),
	}
	for _, it := range items {
		if it.DoCrack {
			p.CrackItems++
		}
		if it.DoZip {
			p.ZipBytes[it.ID] = it.SizeBytes
		}
		if it.DoUpload {
			p.UploadBytes[it.ID] = it.SizeBytes
			if convert {
				p.ConvertItems++
			}
		}
	}
	return p
}

// planArchivePaths gives every zipped item its own output file, numbering
// items whose display names collide.
func planArchivePaths(items []*models.BatchItem, dir string, format archiver.Format) map[string]string {
	paths := make(map[string]string, len(items))
	taken := make(map[string]int)
	for _, it := range items {
		if !it.DoZip {
			continue
		}
		name := utils.ArchiveName(it.Name, format.Ext())
		key := strings.ToLower(name)
		taken[key]++
		if n := taken[key]; n > 1 {
			name = utils.ArchiveName(fmt.Sprintf("%s (%d)", it.Name, n), format.Ext())
		}
		paths[it.ID] = filepath.Join(dir, name)
	}
	return paths
}

// report pushes the clamped estimate to the observer. The lock keeps the
// observed sequence in the same order as the clamp saw it.
func (r *run) report() {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	rep := r.mono.Next(r.est.Estimate())
	r.deps.Observer.ProgressUpdate(rep.Percent, rep.ETA)
}

func (r *run) tick(done <-chan struct{}) {
	t := time.NewTicker(r.opts.ProgressInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if r.pool.Active() > 0 {
				r.est.ObserveUploadRate(r.pool.AggregateRate())
			}
			r.report()
		}
	}
}

func (r *run) watchCommands(commands <-chan string, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-r.batch.Done():
			r.pool.CancelAll()
			return
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			r.command(strings.TrimSpace(cmd))
		}
	}
}

func (r *run) command(cmd string) {
	switch cmd {
	case "":
		return
	case CancelAllCommand:
		r.log.Warn().Msg("cancelling batch")
		// The batch context goes first so in-flight uploads see a batch
		// cancellation rather than a skip.
		r.cancelBatch()
		r.pool.CancelAll()
		return
	}
	cancel, ok := r.itemCancel[cmd]
	if !ok {
		r.log.Warn().Str("item", cmd).Msg("skip for unknown item ignored")
		return
	}
	cancel()
	r.pool.Cancel(cmd)
	r.deps.Observer.StatusUpdate(cmd, "skipped", SeverityWarning)
}

// stopped reports how an item was stopped, if it was.
func (r *run) stopped(it *models.BatchItem) (models.PhaseStatus, bool) {
	if r.batch.Err() != nil {
		return models.StatusCancelled, true
	}
	if r.itemCtx[it.ID].Err() != nil {
		return models.StatusSkipped, true
	}
	return models.StatusPending, false
}

func (r *run) markStopped(it *models.BatchItem, phase models.Phase, status models.PhaseStatus) {
	o := it.Outcome(phase)
	o.Status = status
	r.deps.Observer.StatusUpdate(it.ID, fmt.Sprintf("%s %s", phase, status), SeverityWarning)
}

// safely runs fn and turns a panic into an error for the current item.
func safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
