package bus

import (
	"fmt"

	"github.com/coachpo/hookbus/internal/registry"
)

// Named returns the bus stored under name in reg, creating it on first use.
// Every bus obtained through the same registry shares one correlation
// counter. opts only apply to the call that creates the bus. A nil registry
// selects registry.Default and an empty name selects DefaultName.
func Named[T comparable, P any](reg *registry.Registry, name string, opts ...Option) (*Bus[T, P], error) {
	if reg == nil {
		reg = registry.Default()
	}
	if name == "" {
		name = DefaultName
	}
	counter, err := reg.Counter(CorrelationCounterName)
	if err != nil {
		return nil, fmt.Errorf("bus %s correlation counter: %w", name, err)
	}
	b, err := registry.Get(reg, name, func() *Bus[T, P] {
		all := make([]Option, 0, len(opts)+2)
		all = append(all, opts...)
		all = append(all, WithName(name), WithCorrelationCounter(counter))
		return New[T, P](all...)
	})
	if err != nil {
		return nil, fmt.Errorf("bus %s: %w", name, err)
	}
	return b, nil
}

// MustNamed is Named for call sites where a type conflict is a programming error.
func MustNamed[T comparable, P any](reg *registry.Registry, name string, opts ...Option) *Bus[T, P] {
	b, err := Named[T, P](reg, name, opts...)
	if err != nil {
		panic(err)
	}
	return b
}
