// Package archiver compresses one game folder into a zip or 7z file.
package archiver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mholt/archives"
	"gitlab.com/tozd/go/errors"

	"batchpack/internal/models"
)

type Format string

const (
	FormatZip Format = "zip"
	Format7z  Format = "7z"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatZip:
		return FormatZip, nil
	case Format7z:
		return Format7z, nil
	}
	return "", errors.Errorf("%w: archive format %q", ErrUnsupported, s)
}

func (f Format) Ext() string { return "." + string(f) }

var (
	ErrArchiverMissing = errors.Base("archiver binary not found")
	ErrUnsupported     = errors.Base("unsupported archive request")
	ErrCorrupt         = errors.Base("archive not recognised")
)

type Request struct {
	Folder   string
	Output   string
	Format   Format
	Level    int
	Password string
}

func (r Request) Validate() error {
	if r.Level < 0 || r.Level > 9 {
		return errors.Errorf("%w: compression level %d outside 0-9", ErrUnsupported, r.Level)
	}
	if _, err := ParseFormat(string(r.Format)); err != nil {
		return err
	}
	if r.Output == "" {
		return errors.Errorf("%w: empty output path", ErrUnsupported)
	}
	info, err := os.Stat(r.Folder)
	if err != nil {
		return errors.Errorf("checking folder %s: %w", r.Folder, err)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", r.Folder)
	}
	return nil
}

// ProgressFunc receives 0-100 while an archive is being written.
type ProgressFunc func(percent int)

type Archiver interface {
	Compress(ctx context.Context, req Request, progress ProgressFunc) (*models.ArchiveInfo, error)
}

// New prefers the external 7z binary and falls back to the in-process zip
// writer when it can't be found.
func New(sevenZipPath string) Archiver {
	if sevenZipPath == "" {
		sevenZipPath = DefaultSevenZip
	}
	if bin, err := exec.LookPath(sevenZipPath); err == nil {
		return &SevenZip{Binary: bin}
	}
	return &Native{}
}

// Verify checks that path is a zip or 7z archive by content, not extension.
func Verify(ctx context.Context, path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, "", f)
	if err != nil {
		return "", errors.Errorf("%w: %s: %s", ErrCorrupt, filepath.Base(path), err.Error())
	}
	switch format.Extension() {
	case ".zip":
		return FormatZip, nil
	case ".7z":
		return Format7z, nil
	}
	return "", errors.Errorf("%w: %s is %s", ErrCorrupt, filepath.Base(path), format.Extension())
}

func archiveInfo(req Request, original int64, start time.Time) (*models.ArchiveInfo, error) {
	st, err := os.Stat(req.Output)
	if err != nil {
		return nil, errors.Errorf("reading archive size: %w", err)
	}
	ratio := 0.0
	if original > 0 {
		ratio = float64(st.Size()) / float64(original)
	}
	return &models.ArchiveInfo{
		ArchivePath:      req.Output,
		SourceFolder:     req.Folder,
		Format:           string(req.Format),
		Level:            req.Level,
		CompressedSize:   st.Size(),
		OriginalSize:     original,
		CompressionRatio: ratio,
		Elapsed:          time.Since(start),
		CreatedAt:        start,
	}, nil
}
