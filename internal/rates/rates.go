// Package rates persists measured archive and upload throughput between runs
// so the next batch starts with a realistic ETA.
package rates

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gitlab.com/tozd/go/errors"
)

// Defaults used whenever a persisted value is missing or implausible.
const (
	DefaultZipRateLevel0     = 100 * 1024 * 1024 // bytes/sec, store-only archiving is disk bound
	DefaultZipRateCompressed = 20 * 1024 * 1024
	DefaultUploadRate        = 5 * 1024 * 1024

	// Anything above this is treated as a measurement glitch.
	maxPlausibleRate = 10 * 1024 * 1024 * 1024

	// Samples smaller than these are too noisy to learn from.
	minSampleBytes    = 1024 * 1024
	minSampleDuration = time.Second
)

const (
	keyZipLevel0     = "ZIP_RATE_LEVEL0"
	keyZipCompressed = "ZIP_RATE_COMPRESSED"
	keyUpload        = "UPLOAD_RATE"
)

// Model holds throughput in bytes/sec. A Model returned by this package never
// contains a zero rate.
type Model struct {
	ZipLevel0     float64 `json:"zip_rate_level0"`
	ZipCompressed float64 `json:"zip_rate_compressed"`
	Upload        float64 `json:"upload_rate"`
}

func Defaults() Model {
	return Model{
		ZipLevel0:     DefaultZipRateLevel0,
		ZipCompressed: DefaultZipRateCompressed,
		Upload:        DefaultUploadRate,
	}
}

// ZipRate returns the archive rate that applies to the given compression level.
func (m Model) ZipRate(level int) float64 {
	if level <= 0 {
		return m.ZipLevel0
	}
	return m.ZipCompressed
}

// Plausible reports whether r can be used as a throughput value.
func Plausible(r float64) bool {
	return r > 0 && !math.IsNaN(r) && !math.IsInf(r, 0) && r <= maxPlausibleRate
}

func sanitize(m Model) Model {
	d := Defaults()
	if !Plausible(m.ZipLevel0) {
		m.ZipLevel0 = d.ZipLevel0
	}
	if !Plausible(m.ZipCompressed) {
		m.ZipCompressed = d.ZipCompressed
	}
	if !Plausible(m.Upload) {
		m.Upload = d.Upload
	}
	return m
}

// Store reads and writes a Model as a small KEY=value file.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load never fails: a missing or corrupt file yields defaults. The returned
// error is informational and only set when the file exists but can't be read.
func (s *Store) Load() (Model, error) {
	values, err := godotenv.Read(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Defaults(), errors.Errorf("reading rates file %s: %w", s.Path, err)
	}

	m := Model{
		ZipLevel0:     parseRate(values[keyZipLevel0]),
		ZipCompressed: parseRate(values[keyZipCompressed]),
		Upload:        parseRate(values[keyUpload]),
	}
	return sanitize(m), nil
}

func parseRate(raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *Store) Save(m Model) error {
	m = sanitize(m)
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return errors.Errorf("creating rates directory: %w", err)
	}
	values := map[string]string{
		keyZipLevel0:     strconv.FormatFloat(m.ZipLevel0, 'f', 2, 64),
		keyZipCompressed: strconv.FormatFloat(m.ZipCompressed, 'f', 2, 64),
		keyUpload:        strconv.FormatFloat(m.Upload, 'f', 2, 64),
	}
	if err := godotenv.Write(values, s.Path); err != nil {
		return errors.Errorf("writing rates file %s: %w", s.Path, err)
	}
	return nil
}

// Learner accumulates this run's measurements and folds them into the
// persisted model once, at the end of the run.
type Learner struct {
	store *Store
	model Model

	mu       sync.Mutex
	zipBytes map[bool]int64 // keyed by compressed
	zipTime  map[bool]time.Duration
	upBytes  int64
	upTime   time.Duration
}

func NewLearner(store *Store) *Learner {
	return &Learner{
		store:    store,
		model:    Defaults(),
		zipBytes: make(map[bool]int64),
		zipTime:  make(map[bool]time.Duration),
	}
}

// Begin loads the persisted model. Load errors are returned for logging only;
// the learner always ends up with a usable model.
func (l *Learner) Begin() (Model, error) {
	m, err := l.store.Load()
	l.mu.Lock()
	l.model = m
	l.mu.Unlock()
	return m, err
}

// RecordZip adds one serialized archive measurement.
func (l *Learner) RecordZip(level int, bytes int64, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	compressed := level > 0
	l.zipBytes[compressed] += bytes
	l.zipTime[compressed] += elapsed
}

// RecordUpload adds aggregate upload throughput for the run.
func (l *Learner) RecordUpload(bytes int64, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upBytes += bytes
	l.upTime += elapsed
}

func measured(bytes int64, elapsed time.Duration) (float64, bool) {
	if bytes < minSampleBytes || elapsed < minSampleDuration {
		return 0, false
	}
	r := float64(bytes) / elapsed.Seconds()
	return r, Plausible(r)
}

// Commit overwrites each phase whose measurement this run is plausible and
// persists the result. Phases without a measurement keep their prior value.
func (l *Learner) Commit() (Model, error) {
	l.mu.Lock()
	m := l.model
	if r, ok := measured(l.zipBytes[false], l.zipTime[false]); ok {
		m.ZipLevel0 = r
	}
	if r, ok := measured(l.zipBytes[true], l.zipTime[true]); ok {
		m.ZipCompressed = r
	}
	if r, ok := measured(l.upBytes, l.upTime); ok {
		m.Upload = r
	}
	l.model = m
	l.mu.Unlock()

	if err := l.store.Save(m); err != nil {
		return m, err
	}
	return m, nil
}
