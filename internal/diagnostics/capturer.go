// Package diagnostics keeps evidence of failed runs on disk.
package diagnostics

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Capturer writes failure screenshots as <step>_<unix-millis>.png under dir.
type Capturer struct {
	fs     afero.Fs
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

func NewCapturer(fs afero.Fs, dir string, logger *zap.Logger) *Capturer {
	if dir == "" {
		dir = "screenshots"
	}
	return &Capturer{fs: fs, dir: dir, now: time.Now, logger: logger.Named("diagnostics")}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SaveScreenshot stores png and returns the path written.
func (c *Capturer) SaveScreenshot(ctx context.Context, step string, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(png) == 0 {
		return "", fmt.Errorf("empty screenshot for step %q", step)
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", c.dir, err)
	}

	name := unsafeName.ReplaceAllString(step, "_")
	if name == "" {
		name = "unknown"
	}
	path := filepath.Join(c.dir, fmt.Sprintf("%s_%d.png", name, c.now().UnixMilli()))
	if err := afero.WriteFile(c.fs, path, png, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	c.logger.Debug("Wrote screenshot", zap.String("path", path), zap.Int("bytes", len(png)))
	return path, nil
}

// List returns the stored screenshot paths, oldest first by modification
// time. Files that vanish while listing are skipped.
func (c *Capturer) List() ([]string, error) {
	matches, err := afero.Glob(c.fs, filepath.Join(c.dir, "*.png"))
	if err != nil {
		return nil, err
	}
	type shot struct {
		path    string
		modTime time.Time
	}
	shots := make([]shot, 0, len(matches))
	for _, p := range matches {
		info, err := c.fs.Stat(p)
		if err != nil {
			continue
		}
		shots = append(shots, shot{path: p, modTime: info.ModTime()})
	}
	// Glob output is name-sorted, so equal times keep name order.
	slices.SortStableFunc(shots, func(a, b shot) int { return a.modTime.Compare(b.modTime) })

	paths := make([]string, len(shots))
	for i, s := range shots {
		paths[i] = s.path
	}
	return paths, nil
}

// Prune removes screenshots older than maxAge and reports how many went.
func (c *Capturer) Prune(maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge)
	paths, err := c.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range paths {
		info, err := c.fs.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := c.fs.Remove(p); err != nil {
				return removed, fmt.Errorf("removing %s: %w", p, err)
			}
			removed++
		}
	}
	return removed, nil
}
