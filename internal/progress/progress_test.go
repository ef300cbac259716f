package progress

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchpack/internal/rates"
)

const mb = 1024 * 1024

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func newClock() *fakeClock                   { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }
func model(zip, upload float64) rates.Model {
	return rates.Model{ZipLevel0: zip, ZipCompressed: zip / 4, Upload: upload}
}

func TestClampPercent(t *testing.T) {
	tests := []struct {
		name      string
		raw, last float64
		want      float64
	}{
		{"Raw above last", 40, 30, 40},
		{"Raw below last keeps last", 20, 30, 30},
		{"Capped at 99", 100, 50, 99},
		{"Last at ceiling", 10, 99, 99},
		{"Negative raw", -5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampPercent(tt.raw, tt.last))
		})
	}
}

func TestMonotonicNeverDecreases(t *testing.T) {
	var m Monotonic
	r := rand.New(rand.NewSource(42))
	last := 0.0
	for i := 0; i < 1000; i++ {
		rep := m.Next(Estimate{Percent: r.Float64() * 120})
		require.GreaterOrEqual(t, rep.Percent, last)
		require.LessOrEqual(t, rep.Percent, MaxRunningPercent)
		last = rep.Percent
	}

	done := m.Finish()
	assert.Equal(t, 100.0, done.Percent)
	assert.True(t, done.Done)
	assert.Equal(t, 100.0, m.Next(Estimate{Percent: 3}).Percent)
}

func TestEMA(t *testing.T) {
	e := NewEMA(DefaultSmoothing)
	_, ok := e.Value()
	assert.False(t, ok)

	assert.Equal(t, 100.0, e.Add(100))
	assert.InDelta(t, 0.7*100+0.3*200, e.Add(200), 1e-9)
	// A stalled sample is ignored.
	v := e.Add(0)
	assert.InDelta(t, 130.0, v, 1e-9)
}

func TestInitialTotalAppliesSafetyMultiplier(t *testing.T) {
	clock := newClock()
	est := NewEstimator(Plan{
		CrackItems:   2,
		ZipBytes:     map[string]int64{"a": 100 * mb},
		UploadBytes:  map[string]int64{"a": 50 * mb},
		ConvertItems: 1,
	}, model(100*mb, 5*mb), Options{
		CrackPerItem:     5 * time.Second,
		ConvertPerItem:   15 * time.Second,
		SafetyMultiplier: 1.3,
		Now:              clock.Now,
	})

	// 2*5s crack + 15s convert + 1s zip + 10s upload = 36s
	assert.Equal(t, time.Duration(1.3*float64(36*time.Second)), est.InitialTotal())
}

func TestEstimateFallsBackToLearnedRateUntilSampled(t *testing.T) {
	clock := newClock()
	est := NewEstimator(Plan{
		UploadBytes: map[string]int64{"a": 100 * mb},
	}, model(100*mb, 10*mb), Options{SafetyMultiplier: 1, Now: clock.Now})

	assert.Equal(t, 10*time.Second, est.Remaining())

	est.ObserveUploadRate(20 * mb)
	assert.Equal(t, 5*time.Second, est.Remaining())

	_, upload := est.Rates()
	assert.Equal(t, float64(20*mb), upload)
}

func TestEstimatePercent(t *testing.T) {
	clock := newClock()
	est := NewEstimator(Plan{
		ZipBytes: map[string]int64{"a": 100 * mb},
	}, model(10*mb, 10*mb), Options{SafetyMultiplier: 1, Now: clock.Now})

	assert.Equal(t, 0.0, est.Estimate().Percent)

	clock.Advance(5 * time.Second)
	est.ZipProgress("a", 50*mb)
	got := est.Estimate()
	assert.Equal(t, 5*time.Second, got.Remaining)
	assert.InDelta(t, 50.0, got.Percent, 1e-9)

	est.ZipDone("a")
	assert.Equal(t, 100.0, est.Estimate().Percent)
}

func TestRawEstimateCanRegressButReportedCannot(t *testing.T) {
	clock := newClock()
	est := NewEstimator(Plan{
		UploadBytes: map[string]int64{"a": 100 * mb},
	}, model(10*mb, 10*mb), Options{SafetyMultiplier: 1, Now: clock.Now})
	var mono Monotonic

	clock.Advance(5 * time.Second)
	est.UploadProgress("a", 90*mb)
	first := est.Estimate()
	firstReport := mono.Next(first)

	// A failed attempt restarts the upload and the rate collapses.
	clock.Advance(time.Second)
	est.UploadProgress("a", 0)
	est.ObserveUploadRate(1 * mb)
	second := est.Estimate()

	assert.Less(t, second.Percent, first.Percent, "raw model should move backwards")
	assert.Equal(t, firstReport.Percent, mono.Next(second).Percent)
}

func TestZipDroppedRemovesDownstreamWork(t *testing.T) {
	clock := newClock()
	est := NewEstimator(Plan{
		ZipBytes:     map[string]int64{"a": 100 * mb, "b": 100 * mb},
		UploadBytes:  map[string]int64{"a": 100 * mb, "b": 100 * mb},
		ConvertItems: 2,
	}, model(10*mb, 10*mb), Options{SafetyMultiplier: 1, ConvertPerItem: time.Second, Now: clock.Now})

	before := est.Remaining()
	est.ZipDropped("a")
	assert.Equal(t, before-21*time.Second, est.Remaining())
}

func TestSetUploadSizeUsesArchiveSize(t *testing.T) {
	clock := newClock()
	est := NewEstimator(Plan{
		UploadBytes: map[string]int64{"a": 100 * mb},
	}, model(10*mb, 10*mb), Options{SafetyMultiplier: 1, Now: clock.Now})

	est.SetUploadSize("a", 20*mb)
	assert.Equal(t, 2*time.Second, est.Remaining())
	est.SetUploadSize("missing", 20*mb)
	assert.Equal(t, 2*time.Second, est.Remaining())
}
