package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gitlab.com/tozd/go/errors"

	"batchpack/internal/archiver"
	"batchpack/internal/cleanup"
	"batchpack/internal/crack"
	"batchpack/internal/models"
	"batchpack/internal/retry"
)

type stubCleaner struct {
	calls atomic.Int32
}

func (s *stubCleaner) Clean(_ context.Context, _ string) cleanup.Report {
	s.calls.Add(1)
	return cleanup.Report{Removed: []string{"steam_settings"}}
}

type stubCracker struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubCracker) Crack(_ context.Context, cc crack.Context) (crack.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cc.Folder)
	s.mu.Unlock()
	if cc.AppID == "" {
		return crack.Result{}, crack.ErrMissingAppID
	}
	return crack.Result{Success: true, ModifiedFiles: []string{filepath.Join(cc.Folder, "steam_api.dll")}}, nil
}

// stubArchiver pretends to archive; sizes and failures are keyed by folder.
type stubArchiver struct {
	mu      sync.Mutex
	calls   map[string]int
	sizes   map[string]int64
	fail    map[string]error
	elapsed time.Duration
	write   bool
	hook    func(req archiver.Request)
}

func (s *stubArchiver) Compress(_ context.Context, req archiver.Request, progress archiver.ProgressFunc) (*models.ArchiveInfo, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.Folder]++
	size, ok := s.sizes[req.Folder]
	if !ok {
		size = 1 << 20
	}
	err := s.fail[req.Folder]
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if progress != nil {
		progress(50)
	}
	if err != nil {
		return nil, err
	}
	if s.write {
		if err := os.WriteFile(req.Output, []byte("archive"), 0o644); err != nil {
			return nil, err
		}
	}
	if progress != nil {
		progress(100)
	}
	return &models.ArchiveInfo{
		ArchivePath:    req.Output,
		SourceFolder:   req.Folder,
		Format:         string(req.Format),
		CompressedSize: size,
		OriginalSize:   size,
		Elapsed:        s.elapsed,
	}, nil
}

func (s *stubArchiver) callsFor(folder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[folder]
}

// stubUploader counts calls per archive name and tracks concurrency.
type stubUploader struct {
	mu     sync.Mutex
	calls  map[string]int
	active atomic.Int32
	peak   atomic.Int32
	delay  time.Duration
	fn     func(ctx context.Context, name string, call int) (string, error)
}

func (s *stubUploader) Upload(ctx context.Context, path string, progress func(float64, int64, int64)) (string, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[name]++
	call := s.calls[name]
	s.mu.Unlock()

	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if progress != nil {
		progress(0.5, 50, 100)
	}
	if s.delay > 0 {
		if err := retry.Sleep(ctx, s.delay); err != nil {
			return "", err
		}
	}
	if s.fn != nil {
		return s.fn(ctx, name, call)
	}
	if progress != nil {
		progress(1, 100, 100)
	}
	return "https://files.example.com/" + name, nil
}

func (s *stubUploader) callsFor(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubUploader) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

type stubConverter struct {
	err  error
	hook func()
}

func (s *stubConverter) Convert(_ context.Context, url string, _ int64) (string, error) {
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return "", s.err
	}
	return strings.Replace(url, "files.", "mirror.", 1), nil
}

type recorder struct {
	mu       sync.Mutex
	percents []float64
	statuses map[string][]string
	summary  *models.BatchSummary
}

func (r *recorder) StatusUpdate(itemID, text string, _ Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string][]string)
	}
	r.statuses[itemID] = append(r.statuses[itemID], text)
}

func (r *recorder) ProgressUpdate(percent float64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
}

func (r *recorder) Summary(s *models.BatchSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = s
}

func item(name string, doCrack, doZip, doUpload bool) *models.BatchItem {
	return &models.BatchItem{
		ID:        strings.ToLower(name),
		Folder:    "/games/" + name,
		Name:      name,
		AppID:     "480",
		DoCrack:   doCrack,
		DoZip:     doZip,
		DoUpload:  doUpload,
		SizeBytes: 1 << 20,
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		ArchiveDir:       t.TempDir(),
		UploadWorkers:    3,
		Retry:            retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Sleep: noSleep},
		ProgressInterval: time.Hour,
	}
}

var errFlaky = errors.New("connection reset by peer")

// fakeClock only moves when a test advances it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
