/*
Package supervisor runs the application bundle as a child process and relays
its messages to the agent.

A Supervisor owns at most one instance of the bundle. It talks to the host
through a Fabric; ExecFabric is the production one:

	agent ──Start/Stop──▶ Supervisor ──▶ ExecFabric ──fork/exec──▶ node app/index.js
	  ▲                                      │  stdout ─▶ logs/src.log
	  └────────── CrashPacket ◀── fd 3 ◀─────┘  stderr ─▶ logs/src.err

The bundle writes one JSON object per line to file descriptor 3. An object
with a non-null "error" is a crash signal. When the process exits without
being asked to, the fabric emits a crash packet carrying the exit status.

The Rotator keeps the two sinks under a size cap, moving the old content to a
".backup" copy next to each sink.
*/
package supervisor
