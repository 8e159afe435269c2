package device

import (
	"context"
	"time"
)

// State describes a device's allocation state inside the pool.
type State string

const (
	StateAvailable   State = "available"
	StateAllocated   State = "allocated"
	StateUnavailable State = "unavailable"
)

// FreeState tells the pool what to do with a device handed back by a worker.
type FreeState int

const (
	// FreeAvailable returns the device to the pool as healthy.
	FreeAvailable FreeState = iota
	// FreeUnavailable marks the device as lost until the provider reports it again.
	FreeUnavailable
)

func (s FreeState) String() string {
	switch s {
	case FreeAvailable:
		return "available"
	case FreeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Meta holds static device information fetched once when the device connects.
type Meta struct {
	OSType       string
	OSVersion    string
	ProductType  string
	IsRoot       string
	ProviderUUID string
}

// Device is the handle lent to a worker for the duration of one invocation.
// It grants usage rights only; the pool keeps ownership of the state.
type Device struct {
	Serial string
	Meta   Meta

	lease uint64
}

// Provider returns the serials currently reachable by the host.
type Provider interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// MetaFetcher fills device meta when a device is first seen.
type MetaFetcher func(serial string) Meta

// Recorder syncs device snapshots to an external store.
type Recorder interface {
	UpsertDevices(ctx context.Context, devices []InfoUpdate) error
}

// InfoUpdate is one device snapshot pushed to the recorder.
type InfoUpdate struct {
	DeviceSerial string
	Status       string
	OSType       string
	OSVersion    string
	ProductType  string
	IsRoot       string
	ProviderUUID string
	AgentVersion string
	LastSeenAt   time.Time
}

// StateChange is delivered to listeners after a transition has been applied.
type StateChange struct {
	Serial string
	From   State
	To     State
	At     time.Time
}

// Listener observes pool transitions. Callbacks run outside the pool lock
// and outside the scheduler's queue lock.
// Implementations must be comparable (usually a pointer) so they can be removed.
type Listener interface {
	DeviceStateChanged(change StateChange)
}
