/*
Package bundle implements the update engine for the single application bundle
a kiosk device runs.

The engine owns the bundle directory and a handful of marker files in the
stat area. Presence or absence of each file is the protocol shared with the
bundle and with earlier releases of the agent:

	stats/
	  ready            readiness marker, bundle is safe to run
	  version          installed version, "0.0.0" when absent
	  update.zip       staged archive
	  update-version   staged version, written after update.zip is complete
	  backup.zip       snapshot of the previous bundle
	  backup-version   version of the snapshot
	app/
	  package.json     manifest, required
	  index.js         entry file, required

# Sequence

	Idle ──Download──▶ Downloading ──▶ Staged
	                                     │
	                                  Install
	                                     ▼
	        BackingUp ──▶ Extracting ──▶ MarkingReady ──▶ Ready
	                                     ▲
	                                  Revert
	                                     │
	                 RollingBack ────────┘──▶ RolledBack

Any step may end in Failed, and the error is returned to the caller.

Install clears the readiness marker before touching any file, moves the
current bundle into the single backup slot, extracts the whole staged archive
into a fresh directory, then writes the marker and finally the version file.
An install interrupted at any point therefore leaves the device "not ready",
which Validate reports, and the orchestrator answers with Revert.

Revert mirrors Install from backup.zip. Without a backup it returns
ErrBackupMissing and leaves the filesystem untouched.

The engine has no internal concurrency. The orchestrator awaits every call
before issuing the next one.
*/
package bundle
