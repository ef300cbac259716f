package progress

import (
	"sync"
	"time"

	"batchpack/internal/rates"
)

const (
	DefaultSafetyMultiplier = 1.3
	DefaultCrackPerItem     = 5 * time.Second
	DefaultConvertPerItem   = 15 * time.Second
)

// Plan is the work known when the batch starts. Byte maps are keyed by item id.
type Plan struct {
	CrackItems   int
	ZipBytes     map[string]int64
	ZipLevel     int
	UploadBytes  map[string]int64
	ConvertItems int
}

type Options struct {
	CrackPerItem     time.Duration
	ConvertPerItem   time.Duration
	SafetyMultiplier float64
	Smoothing        float64
	Now              func() time.Time
}

func (o *Options) defaults() {
	if o.CrackPerItem <= 0 {
		o.CrackPerItem = DefaultCrackPerItem
	}
	if o.ConvertPerItem <= 0 {
		o.ConvertPerItem = DefaultConvertPerItem
	}
	if o.SafetyMultiplier < 1 {
		o.SafetyMultiplier = DefaultSafetyMultiplier
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Estimate is the unclamped model output.
type Estimate struct {
	Elapsed   time.Duration
	Remaining time.Duration
	Percent   float64
}

// work tracks processed bytes per item for one byte-driven phase.
type work struct {
	total map[string]int64
	done  map[string]int64
}

func newWork(sizes map[string]int64) *work {
	w := &work{total: make(map[string]int64, len(sizes)), done: make(map[string]int64, len(sizes))}
	for id, n := range sizes {
		if n < 0 {
			n = 0
		}
		w.total[id] = n
	}
	return w
}

func (w *work) set(id string, done int64) {
	total, ok := w.total[id]
	if !ok {
		return
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	w.done[id] = done
}

func (w *work) complete(id string) {
	if total, ok := w.total[id]; ok {
		w.done[id] = total
	}
}

// drop removes whatever is left of id from the phase.
func (w *work) drop(id string) {
	if _, ok := w.total[id]; ok {
		w.total[id] = w.done[id]
	}
}

func (w *work) resize(id string, total int64) {
	if _, ok := w.total[id]; !ok || total <= 0 {
		return
	}
	w.total[id] = total
	if w.done[id] > total {
		w.done[id] = total
	}
}

func (w *work) remaining() int64 {
	var left int64
	for id, total := range w.total {
		left += total - w.done[id]
	}
	return left
}

// Estimator models remaining batch time from remaining bytes and the best
// known rate per phase. It is safe for concurrent use.
type Estimator struct {
	mu    sync.Mutex
	opts  Options
	model rates.Model
	level int
	start time.Time

	crackLeft   int
	convertLeft int
	zip         *work
	upload      *work

	zipRate    *EMA
	uploadRate *EMA
}

func NewEstimator(plan Plan, model rates.Model, opts Options) *Estimator {
	opts.defaults()
	return &Estimator{
		opts:        opts,
		model:       model,
		level:       plan.ZipLevel,
		start:       opts.Now(),
		crackLeft:   plan.CrackItems,
		convertLeft: plan.ConvertItems,
		zip:         newWork(plan.ZipBytes),
		upload:      newWork(plan.UploadBytes),
		zipRate:     NewEMA(opts.Smoothing),
		uploadRate:  NewEMA(opts.Smoothing),
	}
}

// InitialTotal is the whole-batch estimate from learned rates alone.
func (e *Estimator) InitialTotal() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum time.Duration
	sum += time.Duration(e.crackLeft) * e.opts.CrackPerItem
	sum += time.Duration(e.convertLeft) * e.opts.ConvertPerItem
	sum += bytesOver(sumSizes(e.zip.total), e.model.ZipRate(e.level))
	sum += bytesOver(sumSizes(e.upload.total), e.model.Upload)
	return time.Duration(float64(sum) * e.opts.SafetyMultiplier)
}

func sumSizes(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}

func bytesOver(n int64, rate float64) time.Duration {
	if n <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / rate * float64(time.Second))
}

func (e *Estimator) CrackDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.crackLeft > 0 {
		e.crackLeft--
	}
}

func (e *Estimator) ConvertDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.convertLeft > 0 {
		e.convertLeft--
	}
}

func (e *Estimator) ZipProgress(id string, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zip.set(id, bytes)
}

func (e *Estimator) ZipDone(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zip.complete(id)
}

// ZipDropped removes an item's zip work and, since nothing will be uploaded,
// its upload and conversion work too.
func (e *Estimator) ZipDropped(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zip.drop(id)
	e.dropUploadLocked(id)
}

func (e *Estimator) UploadProgress(id string, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upload.set(id, bytes)
}

// SetUploadSize replaces the folder-size guess with the real archive size.
func (e *Estimator) SetUploadSize(id string, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upload.resize(id, bytes)
}

func (e *Estimator) UploadDone(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upload.complete(id)
}

func (e *Estimator) UploadDropped(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropUploadLocked(id)
}

func (e *Estimator) dropUploadLocked(id string) {
	if _, ok := e.upload.total[id]; !ok {
		return
	}
	e.upload.drop(id)
	if e.convertLeft > 0 {
		e.convertLeft--
	}
}

// ObserveZipRate feeds a measured archive rate in bytes/sec.
func (e *Estimator) ObserveZipRate(bps float64) { e.zipRate.Add(bps) }

// ObserveUploadRate feeds the aggregate upload rate in bytes/sec.
func (e *Estimator) ObserveUploadRate(bps float64) { e.uploadRate.Add(bps) }

// Rates returns the rates the model currently uses.
func (e *Estimator) Rates() (zip, upload float64) {
	zip = e.model.ZipRate(e.level)
	if v, ok := e.zipRate.Value(); ok {
		zip = v
	}
	upload = e.model.Upload
	if v, ok := e.uploadRate.Value(); ok {
		upload = v
	}
	return zip, upload
}

func (e *Estimator) Remaining() time.Duration {
	zipRate, uploadRate := e.Rates()
	e.mu.Lock()
	defer e.mu.Unlock()
	var left time.Duration
	left += time.Duration(e.crackLeft) * e.opts.CrackPerItem
	left += time.Duration(e.convertLeft) * e.opts.ConvertPerItem
	left += bytesOver(e.zip.remaining(), zipRate)
	left += bytesOver(e.upload.remaining(), uploadRate)
	return time.Duration(float64(left) * e.opts.SafetyMultiplier)
}

// Estimate computes percent = elapsed / (elapsed + remaining).
func (e *Estimator) Estimate() Estimate {
	remaining := e.Remaining()
	elapsed := e.opts.Now().Sub(e.start)
	if elapsed < 0 {
		elapsed = 0
	}
	est := Estimate{Elapsed: elapsed, Remaining: remaining}
	switch {
	case remaining <= 0 && elapsed > 0:
		est.Percent = 100
	case elapsed+remaining > 0:
		est.Percent = float64(elapsed) / float64(elapsed+remaining) * 100
	}
	return est
}
