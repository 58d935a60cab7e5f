package runtime

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	"github.com/drblury/msgbus/internal/runtime/registry"
)

// FilterRegistry maps consumer type names to filters.
type FilterRegistry = registry.Registry[Filter]

// NewFilterRegistry creates an empty FilterRegistry.
func NewFilterRegistry() FilterRegistry {
	return registry.New[Filter]("filter")
}

// ResolveFilter picks the filter for a consumer named name: the explicit
// filter when set, then the registry entry for name, then nil (accept all).
func ResolveFilter(explicit Filter, filters FilterRegistry, name string) Filter {
	if !isNilValue(explicit) {
		return explicit
	}
	if filters == nil || name == "" {
		return nil
	}
	if f, ok := filters.Get(name); ok {
		return f
	}
	return nil
}

// ComponentOptions configures NewComponent. Every field is optional.
type ComponentOptions struct {
	ID        string
	Universal bool
	// Filter takes precedence over the registry lookup.
	Filter  Filter
	Filters FilterRegistry
	// Name is the registry key. It defaults to the handler's type name.
	Name string
}

// Component is a message-driven consumer. It owns every subscription it
// creates so they can be dropped together by Close.
type Component struct {
	id        string
	name      string
	universal bool
	broker    *Broker

	mu   sync.Mutex
	subs []*Subscriber
}

// NewComponent subscribes handler to b with the resolved filter and the
// component as owner.
func NewComponent(b *Broker, handler Handler, opts ComponentOptions) (*Component, error) {
	if b == nil {
		return nil, errspkg.Invalid("component requires a broker")
	}
	if isNilValue(handler) {
		return nil, errspkg.Invalid("component requires a handler")
	}

	c := &Component{
		id:        opts.ID,
		name:      opts.Name,
		universal: opts.Universal,
		broker:    b,
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.name == "" {
		c.name = registry.TypeName(handler)
	}

	filter := ResolveFilter(opts.Filter, opts.Filters, c.name)
	if opts.Filter == nil && filter != nil {
		b.Logger.Debug("Using filter from registry", loggingpkg.LogFields{
			"component_id": c.id,
			"name":         c.name,
		})
	}

	if _, err := c.Subscribe(handler, filter); err != nil {
		return nil, err
	}
	b.Logger.Debug("Component initialised", loggingpkg.LogFields{"component_id": c.id, "name": c.name})
	return c, nil
}

// ID returns the component identifier.
func (c *Component) ID() string { return c.id }

// Name returns the key used for filter lookups.
func (c *Component) Name() string { return c.name }

// Universal reports the flag given at construction.
func (c *Component) Universal() bool { return c.universal }

// Subscribers returns the subscriptions created by this component.
func (c *Component) Subscribers() []*Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs)
}

// Subscribe adds another subscription owned by the component.
func (c *Component) Subscribe(handler Handler, filter Filter) (*Subscriber, error) {
	sub, err := c.broker.Subscribe(handler, filter, c)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.subs, sub) {
		c.subs = append(c.subs, sub)
	}
	return sub, nil
}

// Publish publishes msg through the component's broker.
func (c *Component) Publish(ctx context.Context, msg *Message) DeliveryReport {
	return c.broker.Publish(ctx, msg)
}

// Close unsubscribes everything the component created. It is safe to call
// more than once.
func (c *Component) Close() {
	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()

	removed := c.broker.UnsubscribeByOwner(c)
	c.broker.Logger.Debug("Component closed", loggingpkg.LogFields{
		"component_id": c.id,
		"removed":      removed,
	})
}
