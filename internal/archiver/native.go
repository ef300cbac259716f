package archiver

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"gitlab.com/tozd/go/errors"

	"batchpack/internal/models"
	"batchpack/pkg/utils"
)

// Native writes zip archives in-process. It can't encrypt and can't write 7z.
type Native struct{}

func (n *Native) Compress(ctx context.Context, req Request, progress ProgressFunc) (*models.ArchiveInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Format != FormatZip {
		return nil, errors.Errorf("%w: %s needs the 7z binary", ErrUnsupported, req.Format)
	}
	if req.Password != "" {
		return nil, errors.Errorf("%w: password protected archives need the 7z binary", ErrUnsupported)
	}

	start := time.Now()
	total, err := utils.PathSize(req.Folder)
	if err != nil {
		return nil, errors.Errorf("failed to calculate size for %s: %w", req.Folder, err)
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return nil, errors.Errorf("failed to create archive directory: %w", err)
	}
	outFile, err := os.Create(req.Output)
	if err != nil {
		return nil, errors.Errorf("failed to create archive file: %w", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	level := req.Level
	zipWriter.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	counter := &progressCounter{total: total, report: progress, last: -1}
	counter.emit()
	if err := addToArchive(ctx, zipWriter, req.Folder, level, counter); err != nil {
		zipWriter.Close()
		os.Remove(req.Output)
		return nil, errors.Errorf("failed to add %s to archive: %w", req.Folder, err)
	}

	if err := zipWriter.Close(); err != nil {
		os.Remove(req.Output)
		return nil, errors.Errorf("failed to finalize archive: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return nil, errors.Errorf("failed to close archive: %w", err)
	}
	counter.finish()

	return archiveInfo(req, total, start)
}

func addToArchive(ctx context.Context, zipWriter *zip.Writer, sourcePath string, level int, counter *progressCounter) error {
	return filepath.Walk(sourcePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(filepath.Dir(sourcePath), path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		header.Method = zip.Deflate
		if level == 0 {
			header.Method = zip.Store
		}

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, io.TeeReader(file, counter))
		return err
	})
}

// progressCounter turns bytes read into whole-percent callbacks.
type progressCounter struct {
	total  int64
	done   int64
	last   int
	report ProgressFunc
}

func (c *progressCounter) Write(p []byte) (int, error) {
	c.done += int64(len(p))
	c.emit()
	return len(p), nil
}

func (c *progressCounter) emit() {
	if c.report == nil {
		return
	}
	pct := 0
	if c.total > 0 {
		pct = int(c.done * 100 / c.total)
	}
	if pct > 99 {
		pct = 99
	}
	if pct != c.last {
		c.last = pct
		c.report(pct)
	}
}

func (c *progressCounter) finish() {
	if c.report != nil && c.last != 100 {
		c.last = 100
		c.report(100)
	}
}
