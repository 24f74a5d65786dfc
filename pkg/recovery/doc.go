// Package recovery runs the activation server of an unprovisioned device.
// An installer posts an activation code (and optionally the fleet API URL)
// to /api/register; on success the issued identity is persisted and Run
// returns it.
package recovery
