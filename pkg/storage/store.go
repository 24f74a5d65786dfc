package storage

import (
	"time"

	"github.com/cuemby/kioskd/pkg/types"
)

// Store defines the interface for the agent's durable journal.
// It is implemented by BoltDB-backed storage.
type Store interface {
	// Crash reports waiting for the fleet backend
	QueueCrashReport(report *types.CrashReport) error
	PendingCrashReports() ([]*types.CrashReport, error)
	DeleteCrashReport(id string) error

	// Revert history
	RecordRevert(record *types.RevertRecord) error
	RevertsSince(t time.Time) ([]*types.RevertRecord, error)
	PruneReverts(before time.Time) (int, error)

	Close() error
}
