// Package crack drives the external patch tool for one game folder at a time.
//
// All per-item state travels in an explicit Context value passed to every
// helper, so nothing here depends on which item is "current".
package crack

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"batchpack/internal/cleanup"
)

const DefaultEmulator = "goldberg"

var (
	ErrMissingAppID  = errors.Base("missing app identifier")
	ErrFolderMissing = errors.Base("game folder does not exist")
	ErrToolMissing   = errors.Base("patch tool not configured")
)

// Context identifies the item being patched.
type Context struct {
	Folder   string
	AppID    string
	Emulator string
}

// Validate returns the permanent errors that make a patch pointless to try.
func (c Context) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return ErrMissingAppID
	}
	info, err := os.Stat(c.Folder)
	if err != nil || !info.IsDir() {
		return errors.Errorf("%w: %s", ErrFolderMissing, c.Folder)
	}
	return nil
}

type Result struct {
	Success       bool
	ModifiedFiles []string
	Errors        []string
}

type Restorer interface {
	HasBackups(folder string) bool
	RestoreBackups(ctx context.Context, folder string) cleanup.Report
}

// ExecCracker runs Tool as
//
//	Tool --folder F --appid A --emulator E
//
// and reads "MODIFIED <path>" and "ERROR <message>" lines from its output.
type ExecCracker struct {
	Tool     string
	Restorer Restorer
}

func NewExecCracker(tool string, restorer Restorer) *ExecCracker {
	return &ExecCracker{Tool: tool, Restorer: restorer}
}

func (c *ExecCracker) Crack(ctx context.Context, cc Context) (Result, error) {
	if err := cc.Validate(); err != nil {
		return Result{}, err
	}
	if c.Tool == "" {
		return Result{}, ErrToolMissing
	}
	if cc.Emulator == "" {
		cc.Emulator = DefaultEmulator
	}

	c.restorePrevious(ctx, cc)

	out, runErr := c.run(ctx, cc)
	res := parseOutput(cc, out)
	if runErr != nil {
		res.Success = false
		return res, errors.Errorf("running patch tool for %s: %w", cc.Folder, runErr)
	}
	res.Success = len(res.Errors) == 0
	return res, nil
}

func (c *ExecCracker) restorePrevious(ctx context.Context, cc Context) {
	if c.Restorer == nil || !c.Restorer.HasBackups(cc.Folder) {
		return
	}
	rep := c.Restorer.RestoreBackups(ctx, cc.Folder)
	zerolog.Ctx(ctx).Info().
		Str("folder", cc.Folder).
		Int("restored", len(rep.Restored)).
		Int("errors", len(rep.Errors)).
		Msg("restored previous patch before re-patching")
}

func (c *ExecCracker) run(ctx context.Context, cc Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Tool, args(cc)...)
	cmd.Dir = cc.Folder
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return buf.Bytes(), errors.Errorf("%w: %s", ErrToolMissing, c.Tool)
		}
		return buf.Bytes(), err
	}
	return buf.Bytes(), nil
}

func args(cc Context) []string {
	return []string{"--folder", cc.Folder, "--appid", cc.AppID, "--emulator", cc.Emulator}
}

func parseOutput(cc Context, out []byte) Result {
	var res Result
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "MODIFIED "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "MODIFIED "))
			if !filepath.IsAbs(path) {
				path = filepath.Join(cc.Folder, path)
			}
			res.ModifiedFiles = append(res.ModifiedFiles, path)
		case strings.HasPrefix(line, "ERROR "):
			res.Errors = append(res.Errors, strings.TrimSpace(strings.TrimPrefix(line, "ERROR ")))
		}
	}
	return res
}
