package sdr

import (
	"time"
)

// Transfer is one block of samples delivered by a driver callback.
type Transfer struct {
	Samples []complex64
	// DroppedSamples is the number of samples the driver discarded before
	// this block, independent of any drops further down the pipeline.
	DroppedSamples uint64
}

// BlockCallback is invoked on the driver's own goroutine once per block.
// The Transfer and its samples are only valid for the duration of the call.
type BlockCallback func(t *Transfer)

// Driver gives access to attached receivers. A Driver instance hands out at
// most one open Handle per serial number at a time.
type Driver interface {
	Name() string
	ListDevices() ([]uint64, error)
	// Open opens the device with the given serial number, 0 picks the first one.
	Open(serial uint64) (Handle, error)
}

// Handle is an open receiver. Every call may fail with a *DriverError.
type Handle interface {
	SerialNumber() (uint64, error)
	FirmwareVersion() (string, error)

	SampleRates() ([]uint32, error)
	SetSampleRate(rate uint32) error
	SetFrequency(hz uint32) error

	SetPreamp(enabled bool) error
	SetAGC(enabled bool) error
	SetAGCThreshold(high bool) error
	SetAttenuation(step uint8) error

	// Start begins streaming, cb is called from a driver owned goroutine.
	Start(cb BlockCallback) error
	// Stop ends streaming. No callback runs after Stop returns.
	Stop() error
	// IsStreaming reports false once the stream ended, including when the
	// driver gave up on its own.
	IsStreaming() bool
	Close() error
}

type EventKind string

const (
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
	EventTuned   EventKind = "tuned"
	EventStats   EventKind = "stats"
)

// Event is a notification about a receiver, also the record the exporters store.
type Event struct {
	// Metadata
	Identifier string
	Source     string
	StreamID   string
	Kind       EventKind
	Time       time.Time

	// Radio Data
	Channel       int
	Frequency     int64
	SampleRate    int
	Held          int
	RingDropped   uint64
	DriverDropped uint64

	Message string
	Failed  bool
}
