package deviceagent

import (
	"sync"
	"time"

	"github.com/httprunner/DeviceAgent/pkg/device"
)

// DevicePool is the part of the device pool the scheduler relies on.
// *device.Pool implements it.
type DevicePool interface {
	// AllocateDeferred allocates without notifying pool listeners; the
	// returned announce func does that once the queue lock is released.
	AllocateDeferred(sel device.SelectionOptions) (dev device.Device, ok bool, announce func())
	Free(dev device.Device, fs device.FreeState) bool
	CanMatch(sel device.SelectionOptions) bool
}

// queueEntry is one pending run of a command.
type queueEntry struct {
	cmd         *Command
	config      *Configuration
	readyAt     time.Time
	rescheduled bool
}

// commandQueue holds pending runs in submission order.
type commandQueue struct {
	mu      sync.Mutex
	entries []*queueEntry
	closed  bool
	now     func() time.Time
	onPush  func()
}

func newCommandQueue(onPush func()) *commandQueue {
	return &commandQueue{now: time.Now, onPush: onPush}
}

// enqueue appends e; it reports false once the queue has been closed.
func (q *commandQueue) enqueue(e *queueEntry) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	if q.onPush != nil {
		q.onPush()
	}
	return true
}

// tryDequeueMatching removes the earliest ready entry for which the pool can
// allocate a device right now. Scanning and allocation share the queue lock,
// so no other caller can take the same entry. Pool listeners are notified
// after the lock is released and may enqueue.
func (q *commandQueue) tryDequeueMatching(pool DevicePool) (*queueEntry, device.Device, bool) {
	e, dev, announce := q.dequeueLocked(pool)
	if e == nil {
		return nil, device.Device{}, false
	}
	announce()
	return e, dev, true
}

func (q *commandQueue) dequeueLocked(pool DevicePool) (*queueEntry, device.Device, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, device.Device{}, nil
	}
	now := q.now()
	for i, e := range q.entries {
		if now.Before(e.readyAt) {
			continue
		}
		dev, ok, announce := pool.AllocateDeferred(e.config.Selection)
		if !ok {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return e, dev, announce
	}
	return nil, device.Device{}, nil
}

// close rejects further entries and drops the pending ones.
func (q *commandQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.entries)
	q.entries = nil
	q.closed = true
	return dropped
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// nextReadyIn returns how long until the earliest future entry becomes ready,
// or zero when none is waiting on its loop interval.
func (q *commandQueue) nextReadyIn() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var next time.Duration
	for _, e := range q.entries {
		if wait := e.readyAt.Sub(now); wait > 0 && (next == 0 || wait < next) {
			next = wait
		}
	}
	return next
}
