// Package slots caps the number of concurrent uploads and carries the
// per-slot and batch-wide cancellation for them.
package slots

import (
	"context"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"

	"batchpack/internal/progress"
)

const (
	DefaultSize     = 3
	DefaultThrottle = 250 * time.Millisecond
)

var (
	ErrPoolClosed    = errors.Base("upload pool closed")
	ErrSlotCancelled = errors.Base("upload slot cancelled")
	ErrNoSlot        = errors.Base("no upload slot free")
)

// Progress is what observers see for one slot.
type Progress struct {
	Slot       int
	ItemID     string
	BytesDone  int64
	TotalBytes int64
	Rate       float64
}

type Notify func(Progress)

// Handle is one claimed slot. Its context is cancelled when the item is
// skipped, the batch is cancelled, or the handle is released.
type Handle struct {
	pool       *Pool
	Index      int
	ItemID     string
	TotalBytes int64

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by pool.mu
	bytesDone  int64
	rate       *progress.EMA
	lastNotify time.Time
	released   bool
}

func (h *Handle) Context() context.Context { return h.ctx }

// BytesDone returns the last reported byte count for the slot.
func (h *Handle) BytesDone() int64 {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.bytesDone
}

type Pool struct {
	size     int
	free     chan int
	done     chan struct{}
	notify   Notify
	throttle time.Duration
	now      func() time.Time

	mu      sync.Mutex
	slots   []*Handle
	closed  bool
	skipped map[string]struct{}
	active  int
	peak    int
}

type Option func(*Pool)

func WithNotify(n Notify) Option { return func(p *Pool) { p.notify = n } }

func WithThrottle(d time.Duration) Option { return func(p *Pool) { p.throttle = d } }

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = DefaultSize
	}
	p := &Pool{
		size:     size,
		free:     make(chan int, size),
		done:     make(chan struct{}),
		throttle: DefaultThrottle,
		now:      time.Now,
		slots:    make([]*Handle, size),
		skipped:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	for i := 0; i < size; i++ {
		p.free <- i
	}
	return p
}

// Claim blocks until a slot is free, the pool is closed, or ctx is done.
// The handle's context derives from ctx.
func (p *Pool) Claim(ctx context.Context, itemID string, totalBytes int64) (*Handle, error) {
	if err := p.precheck(itemID); err != nil {
		return nil, err
	}
	select {
	case idx := <-p.free:
		return p.occupy(ctx, idx, itemID, totalBytes)
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryClaim is the non-blocking variant; it returns ErrNoSlot when all slots
// are busy.
func (p *Pool) TryClaim(ctx context.Context, itemID string, totalBytes int64) (*Handle, error) {
	if err := p.precheck(itemID); err != nil {
		return nil, err
	}
	select {
	case idx := <-p.free:
		return p.occupy(ctx, idx, itemID, totalBytes)
	default:
		return nil, ErrNoSlot
	}
}

func (p *Pool) precheck(itemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.skipped[itemID]; ok {
		return ErrSlotCancelled
	}
	return nil
}

func (p *Pool) occupy(ctx context.Context, idx int, itemID string, totalBytes int64) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.free <- idx
		return nil, ErrPoolClosed
	}
	if _, ok := p.skipped[itemID]; ok {
		p.mu.Unlock()
		p.free <- idx
		return nil, ErrSlotCancelled
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		pool:       p,
		Index:      idx,
		ItemID:     itemID,
		TotalBytes: totalBytes,
		ctx:        hctx,
		cancel:     cancel,
		rate:       progress.NewEMA(progress.DefaultSmoothing),
	}
	p.slots[idx] = h
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()
	return h, nil
}

// Release frees the slot. It is safe to call more than once.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.released {
		p.mu.Unlock()
		return
	}
	h.released = true
	p.slots[h.Index] = nil
	p.active--
	p.mu.Unlock()

	h.cancel()
	p.free <- h.Index
}

// UpdateProgress records bytes and an instantaneous rate for the slot and
// returns the smoothed rate. Observers are notified at most once per
// throttle interval, plus once when the slot reaches its total.
func (p *Pool) UpdateProgress(h *Handle, bytesDone int64, rate float64) float64 {
	p.mu.Lock()
	if h.released {
		p.mu.Unlock()
		return 0
	}
	h.bytesDone = bytesDone
	smoothed := h.rate.Add(rate)

	now := p.now()
	finished := h.TotalBytes > 0 && bytesDone >= h.TotalBytes
	if p.notify == nil || (!finished && now.Sub(h.lastNotify) < p.throttle) {
		p.mu.Unlock()
		return smoothed
	}
	h.lastNotify = now
	snap := Progress{
		Slot:       h.Index,
		ItemID:     h.ItemID,
		BytesDone:  bytesDone,
		TotalBytes: h.TotalBytes,
		Rate:       smoothed,
	}
	p.mu.Unlock()

	p.notify(snap)
	return smoothed
}

// Cancel skips one item: its active slot (if any) is cancelled and any later
// claim for it fails. Other slots are untouched. It reports whether an active
// slot was cancelled.
func (p *Pool) Cancel(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipped[itemID] = struct{}{}
	found := false
	for _, h := range p.slots {
		if h != nil && h.ItemID == itemID {
			h.cancel()
			found = true
		}
	}
	return found
}

// CancelAll cancels every active slot and closes the pool to new claims.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	for _, h := range p.slots {
		if h != nil {
			h.cancel()
		}
	}
}

// Skipped reports whether Cancel was called for itemID.
func (p *Pool) Skipped(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.skipped[itemID]
	return ok
}

func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Peak is the highest number of simultaneously held slots.
func (p *Pool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// AggregateRate sums the smoothed rates of all active slots.
func (p *Pool) AggregateRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum float64
	for _, h := range p.slots {
		if h == nil {
			continue
		}
		if r, ok := h.rate.Value(); ok {
			sum += r
		}
	}
	return sum
}
