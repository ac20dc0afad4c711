package mediaindexer

import (
	"sort"
	"sync"
	"time"
)

// Device is one storage device known to the media indexer
type Device struct {
	URI         string    `json:"uri"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Available   bool      `json:"available"`
	AudioCount  int       `json:"audioCount"`
	VideoCount  int       `json:"videoCount"`
	ImageCount  int       `json:"imageCount"`
	Updated     time.Time `json:"-"`
}

// Registry is a thread-safe set of devices keyed by URI
type Registry struct {
	data     map[string]*Device
	mu       sync.RWMutex
	onChange func()
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{data: make(map[string]*Device)}
}

// OnChange sets the function run after every mutation
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Put adds or replaces a device
func (r *Registry) Put(d Device) {
	d.Updated = time.Now()
	r.mu.Lock()
	r.data[d.URI] = &d
	r.mu.Unlock()
	r.changed()
}

// Remove deletes the device with uri and reports whether it existed
func (r *Registry) Remove(uri string) bool {
	r.mu.Lock()
	_, ok := r.data[uri]
	delete(r.data, uri)
	r.mu.Unlock()
	if ok {
		r.changed()
	}
	return ok
}

// Get returns a copy of the device with uri
func (r *Registry) Get(uri string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.data[uri]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns copies of all devices sorted by URI
func (r *Registry) List() []Device {
	r.mu.RLock()
	result := make([]Device, 0, len(r.data))
	for _, d := range r.data {
		result = append(result, *d)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].URI < result[j].URI })
	return result
}

// Size returns the number of devices
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
