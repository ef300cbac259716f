// Package retry runs one upload with a bounded number of attempts and an
// increasing delay between them, then upgrades the link on a best-effort basis.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

type Outcome int

const (
	Success Outcome = iota
	Failed
	Skipped
	CancelledBatch
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case CancelledBatch:
		return "cancelled"
	}
	return "unknown"
}

// ErrPermanent marks errors that another attempt can't fix.
var ErrPermanent = errors.Base("permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent wraps err so the policy fails immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Attempt performs one upload and returns the resulting URL. attempt starts at 1.
type Attempt func(ctx context.Context, attempt int) (string, error)

// Converter turns an upload URL into a mirror URL.
type Converter interface {
	Convert(ctx context.Context, url string, sizeHint int64) (string, error)
}

type Policy struct {
	MaxAttempts int
	// Delay before attempt n+1 is n * BaseDelay.
	BaseDelay time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error

	Converter Converter
	// Hard ceiling on conversion; zero leaves the budget to the converter.
	ConvertTimeout time.Duration
}

type Result struct {
	Outcome    Outcome
	URL        string
	MirrorURL  string
	Attempts   int
	Err        error
	ConvertErr error
}

// Retries is the number of attempts beyond the first.
func (r Result) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// BestURL prefers the mirror link and falls back to the upload URL.
func (r Result) BestURL() string {
	if r.MirrorURL != "" {
		return r.MirrorURL
	}
	return r.URL
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cancelled(itemCtx, batchCtx context.Context) (Outcome, bool) {
	if batchCtx.Err() != nil {
		return CancelledBatch, true
	}
	if itemCtx.Err() != nil {
		return Skipped, true
	}
	return Success, false
}

// Run calls attempt until it succeeds, fails permanently, runs out of
// attempts, or either context is cancelled. itemCtx must derive from batchCtx.
func (p Policy) Run(itemCtx, batchCtx context.Context, sizeHint int64, attempt Attempt) Result {
	log := zerolog.Ctx(itemCtx)
	limit := p.maxAttempts()
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	var res Result
	for i := 1; i <= limit; i++ {
		if o, ok := cancelled(itemCtx, batchCtx); ok {
			res.Outcome = o
			return res
		}

		url, err := attempt(itemCtx, i)
		res.Attempts = i
		if err == nil {
			res.Outcome = Success
			res.URL = url
			res.Err = nil
			p.convert(itemCtx, &res, sizeHint)
			return res
		}
		res.Err = err

		if o, ok := cancelled(itemCtx, batchCtx); ok {
			res.Outcome = o
			return res
		}
		if IsPermanent(err) {
			log.Warn().Err(err).Int("attempt", i).Msg("upload failed permanently")
			break
		}
		if i == limit {
			break
		}

		delay := time.Duration(i) * base
		log.Warn().Err(err).Int("attempt", i).Dur("backoff", delay).Msg("upload attempt failed, retrying")
		if err := p.sleep(itemCtx, delay); err != nil {
			if o, ok := cancelled(itemCtx, batchCtx); ok {
				res.Outcome = o
				return res
			}
		}
	}

	res.Outcome = Failed
	return res
}

// convert never changes the outcome: a failed or slow conversion leaves the
// upload URL as the usable result.
func (p Policy) convert(ctx context.Context, res *Result, sizeHint int64) {
	if p.Converter == nil {
		return
	}
	if p.ConvertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ConvertTimeout)
		defer cancel()
	}
	mirror, err := p.Converter.Convert(ctx, res.URL, sizeHint)
	if err != nil {
		res.ConvertErr = err
		zerolog.Ctx(ctx).Warn().Err(err).Msg("link conversion failed, keeping upload URL")
		return
	}
	res.MirrorURL = mirror
}
