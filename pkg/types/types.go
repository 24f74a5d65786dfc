package types

import (
	"time"
)

// DefaultVersion is reported for a bundle that has no version file
const DefaultVersion = "0.0.0"

// DeviceStatus is the operational status reported to the fleet backend
type DeviceStatus string

const (
	DeviceStatusBooting  DeviceStatus = "Booting up"
	DeviceStatusUpdating DeviceStatus = "Updating"
)

// DeviceIdentity is the persisted identity of a provisioned device
type DeviceIdentity struct {
	DeviceID   string
	PrivateKey string
	APIURL     string // Empty means the client default
}

// Registration is the fleet backend's answer to an activation request
type Registration struct {
	Message    string   `json:"msg"`
	DeviceID   string   `json:"deviceId"`
	PrivateKey string   `json:"privateKey"`
	Code       string   `json:"code"`
	Window     int64    `json:"window"`
	Errors     []string `json:"errors,omitempty"`
}

// StartupInfo is returned by the fleet backend once per control loop iteration
type StartupInfo struct {
	LatestVersion string `json:"latest,omitempty"`
	Location      []byte `json:"-"` // Raw location payload, nil when absent
}

// CrashPacket is an asynchronous message from the supervised application.
// A non-nil Error marks a runtime crash; anything else is informational.
type CrashPacket struct {
	Error *string `json:"error"`
}

// Crashed reports whether the packet signals a runtime crash
func (p CrashPacket) Crashed() bool {
	return p.Error != nil
}

// NewCrashPacket builds a crash packet carrying msg
func NewCrashPacket(msg string) CrashPacket {
	return CrashPacket{Error: &msg}
}

// CrashReport is submitted to the fleet backend after a runtime crash
type CrashReport struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// LogEvent is one deduplicated entry in the telemetry buffer
type LogEvent struct {
	Message     string    `json:"msg"`
	Timestamp   time.Time `json:"timestamp"`
	RepeatCount int       `json:"times"`
	IsError     bool      `json:"err"`
}

// RevertRecord is journaled every time the bundle is rolled back
type RevertRecord struct {
	At          time.Time `json:"at"`
	FromVersion string    `json:"from_version"`
	ToVersion   string    `json:"to_version"`
	Reason      string    `json:"reason"`
}
