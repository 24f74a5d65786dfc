/*
Package types defines the data shared between the kioskd packages.

It holds no behavior beyond small helpers. The types fall into three groups:

  - Fleet wire types: Registration, StartupInfo and CrashReport are exchanged
    with the fleet backend as JSON.
  - Device state: DeviceIdentity is what the identity store persists, and
    DeviceStatus is the human readable status shown in the fleet console.
  - Agent records: CrashPacket is the message the supervised bundle sends over
    its IPC channel, LogEvent is one deduplicated telemetry entry and
    RevertRecord is journaled on every rollback.

A CrashPacket only signals a crash when its Error field is set:

	pkt := types.NewCrashPacket("TypeError: x is undefined")
	if pkt.Crashed() {
		// stop, revert, restart
	}
*/
package types
