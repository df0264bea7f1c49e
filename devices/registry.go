package devices

import (
	"sync"
)

// Registry keeps one CastDevice per host. It is safe for concurrent
// use; probers upsert into it while readers take snapshots.
type Registry struct {
	mu          sync.Mutex
	byHost      map[string]*CastDevice
	order       []string
	subscribers map[int]chan []CastDevice
	nextSubID   int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHost:      make(map[string]*CastDevice),
		subscribers: make(map[int]chan []CastDevice),
	}
}

// Upsert stores dev when its host is new, or replaces the stored device
// when dev.Kind outranks the stored kind. Equal or lower kinds are
// ignored. It reports whether the registry changed.
func (r *Registry) Upsert(dev CastDevice) bool {
	if dev.Host == "" {
		return false
	}

	r.mu.Lock()
	existing, ok := r.byHost[dev.Host]
	switch {
	case !ok:
		dev.Selected = false
		r.byHost[dev.Host] = &dev
		r.order = append(r.order, dev.Host)
	case dev.Kind.Outranks(existing.Kind):
		dev.Selected = existing.Selected
		*existing = dev
	default:
		r.mu.Unlock()
		return false
	}
	r.notifyLocked()
	r.mu.Unlock()

	return true
}

// List returns a copy of the devices in first-seen order.
func (r *Registry) List() []CastDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.order)
}

// Get returns the device stored for host.
func (r *Registry) Get(host string) (CastDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.byHost[host]
	if !ok {
		return CastDevice{}, false
	}

	return *dev, true
}

// Select marks host as the selected device and clears the flag on
// every other entry. Unknown hosts leave the selection untouched.
func (r *Registry) Select(host string) bool {
	r.mu.Lock()
	target, ok := r.byHost[host]
	if !ok {
		r.mu.Unlock()
		return false
	}

	for _, dev := range r.byHost {
		dev.Selected = false
	}
	target.Selected = true

	r.notifyLocked()
	r.mu.Unlock()

	return true
}

// Selected returns the currently selected device, if any.
func (r *Registry) Selected() (CastDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, host := range r.order {
		if dev := r.byHost[host]; dev.Selected {
			return *dev, true
		}
	}

	return CastDevice{}, false
}

// Clear drops every device. Only an explicit discovery reset calls this.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.byHost = make(map[string]*CastDevice)
	r.order = nil
	r.notifyLocked()
	r.mu.Unlock()
}

// Subscribe returns a channel that always holds the latest snapshot.
// Slow readers miss intermediate snapshots, never the latest one.
// The returned func unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan []CastDevice, func()) {
	ch := make(chan []CastDevice, 1)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	ch <- r.snapshotLocked()
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			close(ch)
			r.mu.Unlock()
		})
	}

	return ch, cancel
}

func (r *Registry) snapshotLocked() []CastDevice {
	list := make([]CastDevice, 0, len(r.order))
	for _, host := range r.order {
		list = append(list, *r.byHost[host])
	}

	return list
}

// notifyLocked hands every subscriber its own copy of the current list.
// Sends never block, so holding the lock here is fine.
func (r *Registry) notifyLocked() {
	for _, ch := range r.subscribers {
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- r.snapshotLocked():
		default:
		}
	}
}
