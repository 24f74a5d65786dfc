package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the filesystem contract shared by the agent and the bundle.
// Presence or absence of these files is the protocol.
type Paths struct {
	StatDir   string
	BundleDir string
	StoreDir  string
	LogsDir   string

	ReadyFile     string
	StagedArchive string
	StagedVersion string
	BackupArchive string
	BackupVersion string
	VersionFile   string

	IDFile         string
	PrivateKeyFile string
	APIURLFile     string
	LocationFile   string
	JournalFile    string

	StdoutSink string
	StderrSink string
}

// NewPaths lays out the stat, bundle, logs and store areas
func NewPaths(root, dataRoot string) Paths {
	if dataRoot == "" {
		dataRoot = root
	}
	stat := filepath.Join(root, "stats")
	logs := filepath.Join(root, "logs")

	return Paths{
		StatDir:   stat,
		BundleDir: filepath.Join(root, "app"),
		StoreDir:  filepath.Join(dataRoot, "store"),
		LogsDir:   logs,

		ReadyFile:     filepath.Join(stat, "ready"),
		StagedArchive: filepath.Join(stat, "update.zip"),
		StagedVersion: filepath.Join(stat, "update-version"),
		BackupArchive: filepath.Join(stat, "backup.zip"),
		BackupVersion: filepath.Join(stat, "backup-version"),
		VersionFile:   filepath.Join(stat, "version"),

		IDFile:         filepath.Join(stat, "id"),
		PrivateKeyFile: filepath.Join(stat, "private"),
		APIURLFile:     filepath.Join(stat, "api-url"),
		LocationFile:   filepath.Join(stat, "location.json"),
		JournalFile:    filepath.Join(stat, "journal.db"),

		StdoutSink: filepath.Join(logs, "src.log"),
		StderrSink: filepath.Join(logs, "src.err"),
	}
}

// Prepare creates the store, logs and stat directories if missing.
// The bundle directory is owned by the update engine and is not created here.
func (p Paths) Prepare() error {
	for _, dir := range []string{p.StoreDir, p.LogsDir, p.StatDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Env is the environment handed to the bundle so it can find the shared areas
func (p Paths) Env() map[string]string {
	return map[string]string{
		"STORE_PATH":       p.StoreDir,
		"STAT_PATH":        p.StatDir,
		"PRIVATE_KEY_PATH": p.PrivateKeyFile,
		"ID_PATH":          p.IDFile,
		"API_URL_PATH":     p.APIURLFile,
		"VERSION_PATH":     p.VersionFile,
		"LOCATION_PATH":    p.LocationFile,
		"LOGS_PATH":        p.LogsDir,
		"LOG_PATH":         p.StdoutSink,
		"BACKUP_LOG_PATH":  p.StdoutSink + ".backup",
		"ERR_PATH":         p.StderrSink,
		"BACKUP_ERR_PATH":  p.StderrSink + ".backup",
	}
}
