/*
Package storage provides the BoltDB-backed journal of the kiosk agent.

The journal keeps the two pieces of state that must survive a restart of the
agent but are not part of the file protocol shared with the bundle:

	┌───────────── stats/journal.db ─────────────┐
	│                                             │
	│  crash_reports   key: report ID             │
	│                  reports not yet accepted   │
	│                  by the fleet backend       │
	│                                             │
	│  reverts         key: UTC timestamp         │
	│                  every rollback, used to    │
	│                  bound crash-driven reverts │
	└─────────────────────────────────────────────┘

Values are JSON. Revert keys sort lexically in time order, so range queries
are a cursor seek.

# Usage

	store, err := storage.NewBoltStore(paths.JournalFile)
	if err != nil {
		return err
	}
	defer store.Close()

	recent, err := store.RevertsSince(time.Now().Add(-time.Hour))
*/
package storage
