// Package recommend abstracts where watchlist export text comes from. The
// production path is a scripted browser session owned by an external process;
// this package defines the capability surface the orchestrator needs plus a
// file-based implementation for manual exports.
package recommend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/svenkat/orderentry/internal/models"
)

// Source provides the raw watchlist export text for one parse setting. A
// source is session scoped: the orchestrator acquires it at the start of an
// order sync and closes it on every exit path.
type Source interface {
	Watchlist(ctx context.Context, setting models.ParseSetting) (string, error)
	Close() error
}

// CaptureFunc records diagnostic state when a session fails, before the sync
// phase is abandoned. Implementations typically write a snapshot of whatever
// the session was looking at.
type CaptureFunc func(settingKey string, err error)

// FileSource reads manual exports from disk, one file per setting key. It is
// stateless, so Close is a no-op.
type FileSource struct {
	dir     string
	capture CaptureFunc
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a source reading <dir>/<key>.txt. capture may be nil.
func NewFileSource(dir string, capture CaptureFunc) *FileSource {
	return &FileSource{dir: dir, capture: capture}
}

// Watchlist returns the export text for the setting, invoking the capture
// hook on failure.
func (f *FileSource) Watchlist(ctx context.Context, setting models.ParseSetting) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, setting.Key+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("reading export for %s: %w", setting.Key, err)
		if f.capture != nil {
			f.capture(setting.Key, err)
		}
		return "", err
	}
	return string(data), nil
}

// Close implements Source.
func (f *FileSource) Close() error { return nil }
