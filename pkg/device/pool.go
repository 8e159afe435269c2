package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const offlineThreshold = 5 * time.Minute

// PoolOptions wires the pool's collaborators. Every field is optional: a pool
// without a provider only knows devices added through AddDevice.
type PoolOptions struct {
	Provider     Provider
	Recorder     Recorder
	FetchMeta    MetaFetcher
	Allowlist    []string
	AgentVersion string
	HostUUID     string
}

// Pool owns the known devices and their allocation state.
type Pool struct {
	provider     Provider
	recorder     Recorder
	fetchMeta    MetaFetcher
	allowlist    map[string]struct{}
	agentVersion string
	hostUUID     string

	mu        sync.Mutex
	devices   map[string]*state
	nextLease uint64

	listenerMu sync.RWMutex
	listeners  []Listener
}

type state struct {
	serial   string
	status   State
	lease    uint64
	lastSeen time.Time
	// lostDuringRun is set when the provider stops reporting an allocated
	// device; the device becomes unavailable once its worker frees it.
	lostDuringRun bool
	meta          Meta
	metaReady     bool
}

// Snapshot is a read-only view of one pool entry.
type Snapshot struct {
	Serial   string
	State    State
	Meta     Meta
	LastSeen time.Time
}

// NewPool builds an empty pool.
func NewPool(opts PoolOptions) *Pool {
	return &Pool{
		provider:     opts.Provider,
		recorder:     opts.Recorder,
		fetchMeta:    opts.FetchMeta,
		allowlist:    buildSerialSet(opts.Allowlist),
		agentVersion: opts.AgentVersion,
		hostUUID:     opts.HostUUID,
		devices:      make(map[string]*state),
	}
}

// AddDevice registers a device that is not discovered through the provider,
// e.g. a fixed emulator. Re-adding an unavailable device makes it available.
func (p *Pool) AddDevice(serial string, meta Meta) {
	serial = strings.TrimSpace(serial)
	if serial == "" || !p.allowed(serial) {
		return
	}
	now := time.Now()
	var changes []StateChange

	p.mu.Lock()
	dev, ok := p.devices[serial]
	if !ok {
		if meta.ProviderUUID == "" {
			meta.ProviderUUID = p.hostUUID
		}
		p.devices[serial] = &state{
			serial:    serial,
			status:    StateAvailable,
			lastSeen:  now,
			meta:      meta,
			metaReady: true,
		}
		changes = append(changes, StateChange{Serial: serial, To: StateAvailable, At: now})
	} else {
		dev.lastSeen = now
		if dev.status == StateUnavailable {
			dev.status = StateAvailable
			changes = append(changes, StateChange{Serial: serial, From: StateUnavailable, To: StateAvailable, At: now})
		}
	}
	p.mu.Unlock()

	p.notify(changes)
}

// Refresh pulls the device list from the provider and syncs the recorder.
func (p *Pool) Refresh(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return errors.New("device pool: provider is nil")
	}
	serials, err := p.provider.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	serials = p.filterSerials(serials)
	metas := p.fetchMissingMeta(serials)

	now := time.Now()
	seen := make(map[string]struct{}, len(serials))
	updates := make([]InfoUpdate, 0, len(serials))
	var changes []StateChange

	p.mu.Lock()
	for _, serial := range serials {
		seen[serial] = struct{}{}
		dev, exists := p.devices[serial]
		if !exists {
			dev = &state{
				serial:   serial,
				status:   StateAvailable,
				lastSeen: now,
			}
			p.devices[serial] = dev
			changes = append(changes, StateChange{Serial: serial, To: StateAvailable, At: now})
			log.Info().Str("serial", serial).Msg("device connected")
		}
		dev.lastSeen = now
		if meta, ok := metas[serial]; ok && !dev.metaReady {
			dev.meta = meta
			dev.metaReady = true
		}
		switch {
		case dev.status == StateUnavailable:
			dev.status = StateAvailable
			changes = append(changes, StateChange{Serial: serial, From: StateUnavailable, To: StateAvailable, At: now})
			log.Info().Str("serial", serial).Msg("device reconnected")
		case dev.lostDuringRun:
			dev.lostDuringRun = false
			log.Info().Str("serial", serial).Msg("device reconnected during invocation")
		}
		updates = append(updates, p.infoUpdate(dev, string(dev.status), now))
	}

	for _, serial := range sortedSerials(p.devices) {
		if _, ok := seen[serial]; ok {
			continue
		}
		dev := p.devices[serial]
		switch dev.status {
		case StateAllocated:
			if !dev.lostDuringRun {
				dev.lostDuringRun = true
				log.Warn().Str("serial", serial).Msg("device disconnected during invocation, will mark unavailable when freed")
			}
		case StateAvailable:
			dev.status = StateUnavailable
			changes = append(changes, StateChange{Serial: serial, From: StateAvailable, To: StateUnavailable, At: now})
			updates = append(updates, p.infoUpdate(dev, string(StateUnavailable), dev.lastSeen))
			log.Info().Str("serial", serial).Msg("device disconnected")
		case StateUnavailable:
			if now.Sub(dev.lastSeen) < offlineThreshold {
				continue
			}
			delete(p.devices, serial)
			updates = append(updates, p.infoUpdate(dev, "offline", dev.lastSeen))
			log.Info().Str("serial", serial).Msg("device removed from pool")
		}
	}
	p.mu.Unlock()

	p.notify(changes)
	if p.recorder != nil && len(updates) > 0 {
		if err := p.recorder.UpsertDevices(ctx, updates); err != nil {
			log.Error().Err(err).Msg("device recorder upsert failed")
		}
	}
	return nil
}

// Watch refreshes the pool every interval until ctx is cancelled. The first
// refresh runs immediately.
func (p *Pool) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if err := p.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("device pool initial refresh failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("device pool refresh failed")
			}
		}
	}
}

// Allocate hands out the first available device, in serial order, that
// satisfies sel. It never blocks; ok is false when nothing matches right now.
func (p *Pool) Allocate(sel SelectionOptions) (dev Device, ok bool) {
	dev, ok, announce := p.AllocateDeferred(sel)
	announce()
	return dev, ok
}

// AllocateDeferred allocates like Allocate but leaves listener notification
// to the caller: announce must be called once, after the caller has released
// any lock it held around the allocation.
func (p *Pool) AllocateDeferred(sel SelectionOptions) (dev Device, ok bool, announce func()) {
	now := time.Now()

	p.mu.Lock()
	for _, serial := range sortedSerials(p.devices) {
		st := p.devices[serial]
		if st.status != StateAvailable || !sel.Matches(serial, st.meta) {
			continue
		}
		p.nextLease++
		st.status = StateAllocated
		st.lease = p.nextLease
		st.lostDuringRun = false
		dev = Device{Serial: serial, Meta: st.meta, lease: st.lease}
		ok = true
		break
	}
	p.mu.Unlock()

	if !ok {
		return dev, false, func() {}
	}
	log.Debug().Str("serial", dev.Serial).Str("selection", sel.String()).Msg("device allocated")
	return dev, true, func() {
		p.notify([]StateChange{{Serial: dev.Serial, From: StateAvailable, To: StateAllocated, At: now}})
	}
}

// Free returns an allocated device. Handles that do not own the current
// allocation are ignored; the return value reports whether anything changed.
func (p *Pool) Free(dev Device, fs FreeState) bool {
	now := time.Now()

	p.mu.Lock()
	st, exists := p.devices[dev.Serial]
	if !exists || st.status != StateAllocated || dev.lease == 0 || st.lease != dev.lease {
		p.mu.Unlock()
		log.Debug().Str("serial", dev.Serial).Msg("ignore free of device not allocated by this handle")
		return false
	}
	next := StateAvailable
	if fs == FreeUnavailable || st.lostDuringRun {
		next = StateUnavailable
	}
	st.status = next
	st.lease = 0
	st.lostDuringRun = false
	p.mu.Unlock()

	log.Debug().Str("serial", dev.Serial).Str("state", string(next)).Msg("device freed")
	p.notify([]StateChange{{Serial: dev.Serial, From: StateAllocated, To: next, At: now}})
	return true
}

// CanMatch reports whether any known device that is not unavailable could
// ever satisfy sel, regardless of whether it is allocated right now.
func (p *Pool) CanMatch(sel SelectionOptions) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for serial, st := range p.devices {
		if st.status != StateUnavailable && sel.Matches(serial, st.meta) {
			return true
		}
	}
	return false
}

// Devices returns a snapshot of all known devices sorted by serial.
func (p *Pool) Devices() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.devices))
	for _, serial := range sortedSerials(p.devices) {
		st := p.devices[serial]
		out = append(out, Snapshot{
			Serial:   serial,
			State:    st.status,
			Meta:     st.meta,
			LastSeen: st.lastSeen,
		})
	}
	return out
}

// RegisterListener subscribes l to pool transitions.
func (p *Pool) RegisterListener(l Listener) {
	if l == nil {
		return
	}
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, l)
}

// RemoveListener unsubscribes l; unknown listeners are ignored.
func (p *Pool) RemoveListener(l Listener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	for i, cur := range p.listeners {
		if cur == l {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

func (p *Pool) notify(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	p.listenerMu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	p.listenerMu.RUnlock()
	for _, change := range changes {
		for _, l := range listeners {
			l.DeviceStateChanged(change)
		}
	}
}

func (p *Pool) allowed(serial string) bool {
	if len(p.allowlist) == 0 {
		return true
	}
	_, ok := p.allowlist[serial]
	return ok
}

func (p *Pool) filterSerials(serials []string) []string {
	out := make([]string, 0, len(serials))
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" || !p.allowed(serial) {
			continue
		}
		out = append(out, serial)
	}
	return out
}

// fetchMissingMeta loads meta for serials the pool has no meta for yet.
// Fetching talks to the device, so it runs without holding p.mu.
func (p *Pool) fetchMissingMeta(serials []string) map[string]Meta {
	p.mu.Lock()
	var missing []string
	for _, serial := range serials {
		if dev, ok := p.devices[serial]; !ok || !dev.metaReady {
			missing = append(missing, serial)
		}
	}
	p.mu.Unlock()

	metas := make(map[string]Meta, len(missing))
	for _, serial := range missing {
		metas[serial] = p.loadMeta(serial)
	}
	return metas
}

func (p *Pool) loadMeta(serial string) Meta {
	meta := Meta{ProviderUUID: p.hostUUID}
	if p.fetchMeta != nil {
		meta = p.fetchMeta(serial)
	}
	if strings.TrimSpace(meta.ProviderUUID) == "" {
		meta.ProviderUUID = p.hostUUID
	}
	return meta
}

func (p *Pool) infoUpdate(dev *state, status string, seen time.Time) InfoUpdate {
	return InfoUpdate{
		DeviceSerial: dev.serial,
		Status:       status,
		OSType:       dev.meta.OSType,
		OSVersion:    dev.meta.OSVersion,
		ProductType:  dev.meta.ProductType,
		IsRoot:       dev.meta.IsRoot,
		ProviderUUID: dev.meta.ProviderUUID,
		AgentVersion: p.agentVersion,
		LastSeenAt:   seen,
	}
}
