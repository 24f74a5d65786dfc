package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrBackupMissing is returned by Revert when there is no snapshot to restore
	ErrBackupMissing = errors.New("backup missing on revert")

	// ErrValidation is returned when the installed bundle is not safe to run
	ErrValidation = errors.New("bundle validation failed")

	// ErrNotReady means the readiness marker is absent. It wraps ErrValidation.
	ErrNotReady = fmt.Errorf("%w: readiness marker missing", ErrValidation)

	// ErrDownloadFailed wraps any failure to stage an update
	ErrDownloadFailed = errors.New("update download failed")

	// ErrNothingStaged is returned by Install without a complete staged update
	ErrNothingStaged = errors.New("no staged update")
)

// State is the engine's position in the update sequence
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateStaged      State = "staged"
	StateBackingUp   State = "backing-up"
	StateExtracting  State = "extracting"
	StateMarkReady   State = "marking-ready"
	StateReady       State = "ready"
	StateRollingBack State = "rolling-back"
	StateRolledBack  State = "rolled-back"
	StateFailed      State = "failed"
)

// Downloader streams the archive for a bundle version
type Downloader interface {
	Download(ctx context.Context, version string, w io.Writer) error
}

// Layout names the files the engine owns
type Layout struct {
	BundleDir     string
	ReadyFile     string
	StagedArchive string
	StagedVersion string
	BackupArchive string
	BackupVersion string
	VersionFile   string

	// Manifest and Entry are relative to BundleDir
	Manifest string
	Entry    string
}

// Engine performs download, install and revert of the single application bundle.
// It has no internal concurrency; callers serialize Download, Install and Revert.
type Engine struct {
	layout     Layout
	downloader Downloader
	logger     zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewEngine creates an engine over layout. downloader may be nil when only
// install, revert and validation are needed.
func NewEngine(layout Layout, downloader Downloader) *Engine {
	return &Engine{
		layout:     layout,
		downloader: downloader,
		logger:     log.WithComponent("bundle"),
		state:      StateIdle,
	}
}

// NeedsUpdate reports whether latest differs from current. The comparison is an
// exact string match, so a lexically different older version is also installed.
func NeedsUpdate(current, latest string) bool {
	return current != latest
}

// State returns the current step of the update sequence
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) fail(err error) error {
	e.setState(StateFailed)
	return err
}

// Exists reports whether a bundle directory is present
func (e *Engine) Exists() bool {
	return exists(e.layout.BundleDir)
}

// Ready reports whether the readiness marker is present
func (e *Engine) Ready() bool {
	return exists(e.layout.ReadyFile)
}

// HasBackup reports whether a backup snapshot is present
func (e *Engine) HasBackup() bool {
	return exists(e.layout.BackupArchive)
}

// CurrentVersion returns the installed version, DefaultVersion when unknown
func (e *Engine) CurrentVersion() (string, error) {
	v, ok, err := readMarker(e.layout.VersionFile)
	if err != nil {
		return "", err
	}
	if !ok {
		return types.DefaultVersion, nil
	}
	return v, nil
}

// BackupVersion returns the version of the backup snapshot, empty when absent
func (e *Engine) BackupVersion() (string, error) {
	v, _, err := readMarker(e.layout.BackupVersion)
	return v, err
}

// StagedVersion returns the version of the staged update, empty when absent
func (e *Engine) StagedVersion() (string, error) {
	v, _, err := readMarker(e.layout.StagedVersion)
	return v, err
}

// Download stages the archive for version. The staged version marker is written
// only after the full archive has been received and moved into place.
func (e *Engine) Download(ctx context.Context, version string) error {
	if e.downloader == nil {
		return e.fail(fmt.Errorf("%w: no downloader configured", ErrDownloadFailed))
	}
	e.setState(StateDownloading)

	// A previous staged version must not describe the bytes about to be written
	if err := removeIfExists(e.layout.StagedVersion); err != nil {
		return e.fail(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}

	part := e.layout.StagedArchive + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return e.fail(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}

	dlErr := e.downloader.Download(ctx, version, f)
	if dlErr == nil {
		dlErr = f.Sync()
	}
	if err := f.Close(); err != nil && dlErr == nil {
		dlErr = err
	}
	if dlErr != nil {
		os.Remove(part)
		return e.fail(fmt.Errorf("%w: version %s: %w", ErrDownloadFailed, version, dlErr))
	}

	if err := os.Rename(part, e.layout.StagedArchive); err != nil {
		os.Remove(part)
		return e.fail(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}
	if err := writeFileAtomic(e.layout.StagedVersion, []byte(version)); err != nil {
		return e.fail(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}

	e.setState(StateStaged)
	e.logger.Info().Str("version", version).Msg("Update staged")
	return nil
}

// Install replaces the bundle with the staged update, snapshotting the current
// bundle into the backup slot first. Only a bundle carrying the readiness
// marker is snapshotted; an incomplete one is discarded and the existing
// backup kept. The staged files are removed once the install succeeds.
func (e *Engine) Install() error {
	staged, ok, err := readMarker(e.layout.StagedVersion)
	if err != nil {
		return e.fail(err)
	}
	if !ok || !exists(e.layout.StagedArchive) {
		return e.fail(ErrNothingStaged)
	}

	// Invalidate "ready" before touching any file
	wasReady := e.Ready()
	if err := removeIfExists(e.layout.ReadyFile); err != nil {
		return e.fail(fmt.Errorf("failed to clear readiness marker: %w", err))
	}

	switch {
	case e.Exists() && wasReady:
		e.setState(StateBackingUp)
		if err := e.backup(); err != nil {
			return e.fail(err)
		}
	case e.Exists():
		// Left behind by an interrupted install or revert. The backup slot
		// still holds the last bundle that was ready, so it is not replaced.
		e.logger.Warn().Msg("Discarding bundle that never became ready")
		if err := os.RemoveAll(e.layout.BundleDir); err != nil {
			return e.fail(fmt.Errorf("failed to remove incomplete bundle: %w", err))
		}
	}

	if err := e.apply(e.layout.StagedArchive, staged); err != nil {
		return e.fail(err)
	}

	// The staged update has been consumed
	if err := removeIfExists(e.layout.StagedArchive); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to remove staged archive")
	}
	if err := removeIfExists(e.layout.StagedVersion); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to remove staged version")
	}

	e.setState(StateReady)
	e.logger.Info().Str("version", staged).Msg("Update installed")
	return nil
}

// backup archives the current bundle, records its version and removes it.
// A failure after the archive is written leaves the bundle absent and the
// backup intact.
func (e *Engine) backup() error {
	current, err := e.CurrentVersion()
	if err != nil {
		return err
	}

	if err := archiveDir(e.layout.BundleDir, e.layout.BackupArchive); err != nil {
		return fmt.Errorf("failed to back up bundle: %w", err)
	}
	if err := writeFileAtomic(e.layout.BackupVersion, []byte(current)); err != nil {
		return fmt.Errorf("failed to record backup version: %w", err)
	}
	if err := os.RemoveAll(e.layout.BundleDir); err != nil {
		return fmt.Errorf("failed to remove old bundle: %w", err)
	}

	e.logger.Debug().Str("version", current).Msg("Bundle backed up")
	return nil
}

// apply extracts archive into a fresh bundle directory, then writes the
// readiness marker and the version file, in that order.
func (e *Engine) apply(archive, version string) error {
	e.setState(StateExtracting)
	if err := os.RemoveAll(e.layout.BundleDir); err != nil {
		return fmt.Errorf("failed to clear bundle directory: %w", err)
	}
	if err := os.MkdirAll(e.layout.BundleDir, 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	if err := extractArchive(archive, e.layout.BundleDir); err != nil {
		return err
	}

	e.setState(StateMarkReady)
	if err := writeFileAtomic(e.layout.ReadyFile, nil); err != nil {
		return fmt.Errorf("failed to write readiness marker: %w", err)
	}
	if err := writeFileAtomic(e.layout.VersionFile, []byte(version)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	return nil
}

// Revert restores the backup snapshot. Without a backup it changes nothing and
// returns ErrBackupMissing.
func (e *Engine) Revert() error {
	if !e.HasBackup() {
		e.logger.Warn().Msg("Cannot revert, backup is missing")
		return ErrBackupMissing
	}

	version, _, err := readMarker(e.layout.BackupVersion)
	if err != nil {
		return e.fail(err)
	}
	if version == "" {
		version = types.DefaultVersion
	}

	e.setState(StateRollingBack)
	if err := removeIfExists(e.layout.ReadyFile); err != nil {
		return e.fail(fmt.Errorf("failed to clear readiness marker: %w", err))
	}
	if err := e.apply(e.layout.BackupArchive, version); err != nil {
		return e.fail(err)
	}

	e.setState(StateRolledBack)
	e.logger.Info().Str("version", version).Msg("Bundle reverted")
	return nil
}

// Validate checks the readiness marker and the minimal bundle shape
func (e *Engine) Validate() error {
	for _, name := range []string{e.layout.Manifest, e.layout.Entry} {
		if !exists(filepath.Join(e.layout.BundleDir, name)) {
			return fmt.Errorf("%w: %s does not exist", ErrValidation, name)
		}
	}
	if !e.Ready() {
		return ErrNotReady
	}
	return nil
}
