// Package telemetry keeps a bounded, deduplicated history of agent log
// messages and ships it to the fleet backend in batches.
//
// Identical messages collapse into one entry whose repeat count grows, and
// only the first occurrence is echoed to the console. A flush that fails is
// itself recorded as an error event, so the next flush reports it.
package telemetry
