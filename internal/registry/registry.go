// Package registry provides named process-wide slots so independent call sites
// can share one instance of a value by name.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coachpo/hookbus/errs"
)

// Registry maps names to shared values.
type Registry struct {
	mu       sync.Mutex
	slots    map[string]any
	creating map[string]chan struct{}
}

type closer interface {
	Close()
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// New returns an empty registry isolated from the process default.
func New() *Registry {
	return &Registry{
		slots:    make(map[string]any),
		creating: make(map[string]chan struct{}),
	}
}

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}

// Load returns the value stored under name.
func (r *Registry) Load(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.slots[name]
	return v, ok
}

// Store replaces the value under name and returns it.
func (r *Registry) Store(name string, value any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[name] = value
	return value
}

// LoadOrCreate returns the value under name, storing create() first when the
// slot is empty. create runs without the registry lock held, so it may use the
// registry for other names. Concurrent callers for the same name wait for the
// single in-flight create. create must not request its own name.
func (r *Registry) LoadOrCreate(name string, create func() any) any {
	r.mu.Lock()
	for {
		if v, ok := r.slots[name]; ok {
			r.mu.Unlock()
			return v
		}
		done, busy := r.creating[name]
		if !busy {
			break
		}
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}
	done := make(chan struct{})
	r.creating[name] = done
	r.mu.Unlock()

	finished := false
	defer func() {
		// a panicking create leaves the slot empty for the next caller
		if !finished {
			r.mu.Lock()
			delete(r.creating, name)
			r.mu.Unlock()
			close(done)
		}
	}()

	var v any
	if create != nil {
		v = create()
	}

	r.mu.Lock()
	existing, raced := r.slots[name]
	if !raced {
		r.slots[name] = v
	}
	delete(r.creating, name)
	finished = true
	r.mu.Unlock()
	close(done)

	if raced {
		// Store won while create ran
		closeValue(v)
		return existing
	}
	return v
}

// Delete removes the slot, closing its value when it exposes Close.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	v, ok := r.slots[name]
	delete(r.slots, name)
	r.mu.Unlock()
	if ok {
		closeValue(v)
	}
}

// Reset removes every slot and closes values exposing Close.
func (r *Registry) Reset() {
	r.mu.Lock()
	values := make([]any, 0, len(r.slots))
	for _, v := range r.slots {
		values = append(values, v)
	}
	r.slots = make(map[string]any)
	r.mu.Unlock()
	for _, v := range values {
		closeValue(v)
	}
}

// Names lists occupied slots in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Counter returns the shared counter stored under name, creating it at zero.
func (r *Registry) Counter(name string) (*atomic.Uint64, error) {
	return Get(r, name, func() *atomic.Uint64 { return new(atomic.Uint64) })
}

// Get returns the typed value under name, creating it with create when empty.
// A slot holding a value of another type yields a conflict error.
func Get[T any](r *Registry, name string, create func() T) (T, error) {
	var zero T
	if r == nil {
		return zero, errs.New("registry", errs.CodeInvalid, errs.WithMessage("registry required"))
	}
	v := r.LoadOrCreate(name, func() any {
		if create == nil {
			return zero
		}
		return create()
	})
	typed, ok := v.(T)
	if !ok {
		return zero, errs.New("registry", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("slot holds %T, want %T", v, zero)),
			errs.WithField("name", name))
	}
	return typed, nil
}

func closeValue(v any) {
	if c, ok := v.(closer); ok && c != nil {
		c.Close()
	}
}
