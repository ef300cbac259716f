package archiver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"batchpack/internal/models"
	"batchpack/pkg/utils"
)

const DefaultSevenZip = "7z"

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// SevenZip shells out to the 7z binary. Once started, the process is left to
// finish even if ctx is cancelled; the caller discards the result.
type SevenZip struct {
	Binary string
}

func (s *SevenZip) Compress(ctx context.Context, req Request, progress ProgressFunc) (*models.ArchiveInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin := s.Binary
	if bin == "" {
		bin = DefaultSevenZip
	}

	start := time.Now()
	total, err := utils.PathSize(req.Folder)
	if err != nil {
		return nil, errors.Errorf("failed to calculate size for %s: %w", req.Folder, err)
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return nil, errors.Errorf("failed to create archive directory: %w", err)
	}
	// 7z "a" appends to an existing archive.
	if err := utils.CleanupTempFile(req.Output); err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, sevenZipArgs(req)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Errorf("creating 7z pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, errors.Errorf("%w: %s", ErrArchiverMissing, bin)
		}
		return nil, errors.Errorf("starting 7z: %w", err)
	}
	readProgress(stdout, progress)
	err = cmd.Wait()

	if err != nil {
		var exitErr *exec.ExitError
		// Exit code 1 is a warning (e.g. a file was locked), the archive exists.
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			_ = utils.CleanupTempFile(req.Output)
			return nil, errors.Errorf("7z failed: %w: %s", err, lastLine(stderr.String()))
		}
		zerolog.Ctx(ctx).Warn().Str("folder", req.Folder).Str("stderr", lastLine(stderr.String())).Msg("7z finished with warnings")
	}
	if progress != nil {
		progress(100)
	}
	return archiveInfo(req, total, start)
}

func sevenZipArgs(req Request) []string {
	args := []string{
		"a",
		"-t" + string(req.Format),
		"-mx=" + strconv.Itoa(req.Level),
		"-bsp1",
		"-bso0",
		"-y",
	}
	if req.Password != "" {
		args = append(args, "-p"+req.Password)
		if req.Format == Format7z {
			args = append(args, "-mhe=on")
		}
	}
	return append(args, req.Output, filepath.Clean(req.Folder))
}

// readProgress forwards the percentages 7z redraws on one line with
// backspaces or carriage returns.
func readProgress(r io.Reader, progress ProgressFunc) {
	sc := bufio.NewScanner(r)
	sc.Split(splitProgress)
	last := -1
	for sc.Scan() {
		m := percentPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		pct, err := strconv.Atoi(m[1])
		if err != nil || pct > 100 || pct <= last {
			continue
		}
		last = pct
		if progress != nil {
			progress(pct)
		}
	}
}

func splitProgress(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' || b == '\b' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
