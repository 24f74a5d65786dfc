package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/kioskd/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultRotateInterval is the fallback check interval when file events are
// missed or unavailable
const DefaultRotateInterval = 30 * time.Second

// Rotator caps the size of the application log sinks. A sink over the cap is
// copied to "<sink>.backup", replacing the previous copy, then truncated.
type Rotator struct {
	sinks    map[string]bool
	cap      int64
	interval time.Duration
	logger   zerolog.Logger
}

// NewRotator watches sinks and rotates any that grows beyond capBytes
func NewRotator(capBytes int64, sinks ...string) *Rotator {
	set := make(map[string]bool, len(sinks))
	for _, s := range sinks {
		set[filepath.Clean(s)] = true
	}
	return &Rotator{
		sinks:    set,
		cap:      capBytes,
		interval: DefaultRotateInterval,
		logger:   log.WithComponent("rotator"),
	}
}

// Run watches the sinks until ctx is done. Without a working file watcher it
// falls back to the periodic check alone.
func (r *Rotator) Run(ctx context.Context) error {
	var events chan fsnotify.Event
	var watchErrs chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn().Err(err).Msg("File watcher unavailable, using periodic checks")
	} else {
		defer watcher.Close()
		for dir := range r.dirs() {
			if err := watcher.Add(dir); err != nil {
				r.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch log directory")
			}
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.checkAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Write) && r.sinks[filepath.Clean(ev.Name)] {
				r.check(ev.Name)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			r.logger.Warn().Err(err).Msg("File watcher error")
		case <-ticker.C:
			r.checkAll()
		}
	}
}

func (r *Rotator) dirs() map[string]bool {
	dirs := make(map[string]bool)
	for s := range r.sinks {
		dirs[filepath.Dir(s)] = true
	}
	return dirs
}

func (r *Rotator) checkAll() {
	for s := range r.sinks {
		r.check(s)
	}
}

func (r *Rotator) check(path string) {
	rotated, err := r.Rotate(path)
	if err != nil {
		r.logger.Warn().Err(err).Str("sink", path).Msg("Failed to rotate log sink")
		return
	}
	if rotated {
		r.logger.Info().Str("sink", path).Msg("Log sink rotated")
	}
}

// Rotate rotates path if it exceeds the cap and reports whether it did
func (r *Rotator) Rotate(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.Size() <= r.cap {
		return false, nil
	}

	if err := copyFile(path, path+".backup"); err != nil {
		return false, fmt.Errorf("failed to back up sink: %w", err)
	}
	// Writers use O_APPEND, so they continue at the new end of file
	if err := os.Truncate(path, 0); err != nil {
		return false, fmt.Errorf("failed to truncate sink: %w", err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
