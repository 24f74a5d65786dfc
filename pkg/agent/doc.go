/*
Package agent implements the device control loop.

One pass of the loop, repeated forever:

	load identity ──missing/invalid──▶ recovery server (blocks until registered)
	      │
	set status "Booting up", validate device id
	      │
	startup info ──new version──▶ download, stop app, install
	      │
	validate bundle ──failed──▶ stop app, revert
	      │
	resubmit queued crash reports, clear status
	      │
	ensure app is running
	      │
	idle: refresh timer │ flush ticker │ crash packets

Crash packets from the supervised application are queued on a channel and
handled on the loop itself, so an update and a crash recovery never overlap.
A crash runs stop, revert and start in that order and submits a crash report,
queueing it in the journal when the backend is unreachable. A circuit breaker
counts crash-triggered reverts in the journal and leaves the application
stopped once MaxReverts is reached within RevertWindow. The next pass, started
at most RevertWindow later, runs it again.

Errors escaping a pass are recorded unless the previous pass failed with the
same message, and the pass is retried after RetryBackoff. Only a failure inside the crash handler ends Run,
with an error wrapping ErrCrashHandler.
*/
package agent
