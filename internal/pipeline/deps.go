package pipeline

import (
	"context"

	"batchpack/internal/archiver"
	"batchpack/internal/cleanup"
	"batchpack/internal/crack"
	"batchpack/internal/rates"
	"batchpack/internal/retry"
)

type Cleaner interface {
	Clean(ctx context.Context, folder string) cleanup.Report
}

type Cracker interface {
	Crack(ctx context.Context, cc crack.Context) (crack.Result, error)
}

// Uploader sends one file and returns its URL. progress gets the completed
// fraction and the byte counts behind it.
type Uploader interface {
	Upload(ctx context.Context, path string, progress func(fraction float64, done, total int64)) (string, error)
}

// Verifier identifies the format of a finished archive by its content.
type Verifier func(ctx context.Context, path string) (archiver.Format, error)

// Deps are the collaborators of a Coordinator. Cleaner, Verify, Converter,
// Learner and Observer are optional.
type Deps struct {
	Cleaner   Cleaner
	Cracker   Cracker
	Archiver  archiver.Archiver
	Verify    Verifier
	Uploader  Uploader
	Converter retry.Converter
	Learner   *rates.Learner
	Observer  Observer
}
