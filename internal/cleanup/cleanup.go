// Package cleanup undoes what a previous patch run left in a game folder.
// Every operation is idempotent and never fails the caller: per-file problems
// are logged and collected in the Report.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Patterns are doublestar globs relative to the item folder.
type Patterns struct {
	Backups      []string
	SettingsDirs []string
	Shortcuts    []string
}

func DefaultPatterns() Patterns {
	return Patterns{
		Backups:      []string{"**/*.bak"},
		SettingsDirs: []string{"**/steam_settings"},
		Shortcuts:    []string{"*.lnk", "*.desktop"},
	}
}

type Report struct {
	Restored []string
	Removed  []string
	Errors   []error
}

func (r *Report) merge(o Report) {
	r.Restored = append(r.Restored, o.Restored...)
	r.Removed = append(r.Removed, o.Removed...)
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *Report) Changed() bool {
	return len(r.Restored) > 0 || len(r.Removed) > 0
}

type Cleaner struct {
	patterns Patterns
}

func New(p Patterns) *Cleaner {
	return &Cleaner{patterns: p}
}

// Clean restores backups, then removes generated settings directories and
// shortcuts.
func (c *Cleaner) Clean(ctx context.Context, folder string) Report {
	var rep Report
	if _, err := os.Stat(folder); err != nil {
		rep.Errors = append(rep.Errors, errors.Errorf("checking folder %s: %w", folder, err))
		return rep
	}
	rep.merge(c.RestoreBackups(ctx, folder))
	rep.merge(c.remove(ctx, folder, c.patterns.SettingsDirs, true))
	rep.merge(c.remove(ctx, folder, c.patterns.Shortcuts, false))
	return rep
}

// RestoreBackups moves every backup file back over the file it was taken
// from. "steam_api.dll.bak" replaces "steam_api.dll".
func (c *Cleaner) RestoreBackups(ctx context.Context, folder string) Report {
	log := zerolog.Ctx(ctx)
	var rep Report
	for _, path := range c.match(folder, c.patterns.Backups, &rep) {
		if ctx.Err() != nil {
			break
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		original := strings.TrimSuffix(path, filepath.Ext(path))
		if original == path {
			continue
		}
		if err := os.Rename(path, original); err != nil {
			err = errors.Errorf("restoring %s: %w", path, err)
			log.Warn().Err(err).Str("folder", folder).Msg("cleanup step failed")
			rep.Errors = append(rep.Errors, err)
			continue
		}
		log.Debug().Str("file", original).Msg("restored backup")
		rep.Restored = append(rep.Restored, original)
	}
	return rep
}

func (c *Cleaner) remove(ctx context.Context, folder string, patterns []string, dirs bool) Report {
	log := zerolog.Ctx(ctx)
	var rep Report
	for _, path := range c.match(folder, patterns, &rep) {
		if ctx.Err() != nil {
			break
		}
		info, err := os.Lstat(path)
		if err != nil {
			// Already gone with a removed parent.
			continue
		}
		if info.IsDir() != dirs {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			err = errors.Errorf("removing %s: %w", path, err)
			log.Warn().Err(err).Str("folder", folder).Msg("cleanup step failed")
			rep.Errors = append(rep.Errors, err)
			continue
		}
		log.Debug().Str("path", path).Msg("removed")
		rep.Removed = append(rep.Removed, path)
	}
	return rep
}

// match expands patterns against folder, returning absolute paths with
// parents before children.
func (c *Cleaner) match(folder string, patterns []string, rep *Report) []string {
	fsys := os.DirFS(folder)
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			rep.Errors = append(rep.Errors, errors.Errorf("matching %q in %s: %w", pattern, folder, err))
			continue
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, filepath.Join(folder, filepath.FromSlash(m)))
		}
	}
	sort.Strings(out)
	return out
}

// HasBackups reports whether the folder still carries a previous patch.
func (c *Cleaner) HasBackups(folder string) bool {
	fsys := os.DirFS(folder)
	for _, pattern := range c.patterns.Backups {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}
