// Package exposedthing implements the server-side runtime counterpart of a
// Thing Description: it holds property values, dispatches to handlers
// installed by device code, serializes concurrent writes to the same
// property and publishes property-change/event notifications.
package exposedthing

import (
	"fmt"
	"sync"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/td"
)

// PropertyReadHandler computes the current value of a property on demand.
// When none is installed, ReadProperty falls back to the last stored value.
type PropertyReadHandler func(name string) (interface{}, error)

// PropertyWriteHandler applies value to a property. When none is installed,
// the write is accepted by storing value directly.
type PropertyWriteHandler func(name string, value interface{}) error

// ActionHandler invokes an action and returns its result.
type ActionHandler func(name string, input interface{}) (interface{}, error)

// ExposedThing wraps a Thing Description with the runtime state needed to
// serve it: cached property values, installed handlers and an observable
// bus for property-change and event notifications. One ExposedThing can be
// attached to several protocol servers at once.
type ExposedThing struct {
	tdoc *td.ThingTD
	bus  *eventbus.Bus

	mu      sync.RWMutex
	exposed bool

	values         map[string]interface{}
	readHandlers   map[string]PropertyReadHandler
	writeHandlers  map[string]PropertyWriteHandler
	actionHandlers map[string]ActionHandler
	writeLocks     map[string]*sync.Mutex
}

// New wraps tdoc in an ExposedThing. The ExposedThing is not yet exposed;
// the servient calls Expose once it has been registered with the protocol
// servers that will serve it.
func New(tdoc *td.ThingTD) *ExposedThing {
	return &ExposedThing{
		tdoc:           tdoc,
		bus:            eventbus.New(eventbus.DefaultBound),
		values:         make(map[string]interface{}),
		readHandlers:   make(map[string]PropertyReadHandler),
		writeHandlers:  make(map[string]PropertyWriteHandler),
		actionHandlers: make(map[string]ActionHandler),
		writeLocks:     make(map[string]*sync.Mutex),
	}
}

// TD returns the Thing Description this ExposedThing serves.
func (et *ExposedThing) TD() *td.ThingTD {
	return et.tdoc
}

func (et *ExposedThing) propertyTopic(name string) string {
	return et.tdoc.ID + "/property/" + name
}

func (et *ExposedThing) eventTopic(name string) string {
	return et.tdoc.ID + "/event/" + name
}

// ReadProperty returns the property's current value, invoking its read
// handler if one is installed.
func (et *ExposedThing) ReadProperty(name string) (interface{}, error) {
	if et.tdoc.GetProperty(name) == nil {
		return nil, errs.New(errs.NotFound, "property %q is not defined", name)
	}

	et.mu.RLock()
	handler := et.readHandlers[name]
	et.mu.RUnlock()

	if handler != nil {
		value, err := handler(name)
		if err != nil {
			return nil, errs.New(errs.HandlerError, "%s", err)
		}
		return value, nil
	}

	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.values[name], nil
}

// lockFor returns the per-property mutex used to serialize writes, creating
// it on first use.
func (et *ExposedThing) lockFor(name string) *sync.Mutex {
	et.mu.Lock()
	defer et.mu.Unlock()
	lock, ok := et.writeLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		et.writeLocks[name] = lock
	}
	return lock
}

// WriteProperty applies a new value to a writable property and, on success,
// publishes a property-change notification carrying the new value. Writes
// to the same property are serialized: write k+1's handler starts only
// after write k's handler has completed and its notification dispatched.
func (et *ExposedThing) WriteProperty(name string, value interface{}) error {
	prop := et.tdoc.GetProperty(name)
	if prop == nil {
		return errs.New(errs.NotFound, "property %q is not defined", name)
	}
	if !prop.Writable {
		return errs.New(errs.NotWritable, "property %q is read-only", name)
	}

	lock := et.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	et.mu.RLock()
	handler := et.writeHandlers[name]
	et.mu.RUnlock()

	if handler != nil {
		if err := handler(name, value); err != nil {
			return errs.New(errs.HandlerError, "%s", err)
		}
	}

	et.mu.Lock()
	et.values[name] = value
	et.mu.Unlock()

	et.bus.Publish(et.propertyTopic(name), eventbus.Item{Name: name, Value: value})
	return nil
}

// InvokeAction runs the named action's handler and returns its result.
// Actions run concurrently; there is no serialization across or within
// action names unless the handler itself imposes one.
func (et *ExposedThing) InvokeAction(name string, input interface{}) (interface{}, error) {
	if et.tdoc.GetAction(name) == nil {
		return nil, errs.New(errs.NotFound, "action %q is not defined", name)
	}

	et.mu.RLock()
	handler := et.actionHandlers[name]
	et.mu.RUnlock()

	if handler == nil {
		return nil, errs.New(errs.NoHandler, "action %q has no handler installed", name)
	}

	result, err := invokeSafely(handler, name, input)
	if err != nil {
		return nil, errs.New(errs.HandlerError, "%s", err)
	}
	return result, nil
}

// invokeSafely calls handler, converting a panic into an error so a single
// misbehaving action handler cannot take down the servient.
func invokeSafely(handler ActionHandler, name string, input interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %q panicked: %v", name, r)
		}
	}()
	return handler(name, input)
}

// EmitEvent publishes an event emission to subscribers.
func (et *ExposedThing) EmitEvent(name string, data interface{}) error {
	if et.tdoc.GetEvent(name) == nil {
		return errs.New(errs.NotFound, "event %q is not defined", name)
	}
	et.bus.Publish(et.eventTopic(name), eventbus.Item{Name: name, Value: data})
	return nil
}

// ObserveProperty returns a subscription to property-change notifications
// for name. The subscription sees only changes emitted after it is created.
func (et *ExposedThing) ObserveProperty(name string) (*eventbus.Subscription, error) {
	if et.tdoc.GetProperty(name) == nil {
		return nil, errs.New(errs.NotFound, "property %q is not defined", name)
	}
	return et.bus.Subscribe(et.propertyTopic(name)), nil
}

// SubscribeEvent returns a subscription to emissions of the named event.
func (et *ExposedThing) SubscribeEvent(name string) (*eventbus.Subscription, error) {
	if et.tdoc.GetEvent(name) == nil {
		return nil, errs.New(errs.NotFound, "event %q is not defined", name)
	}
	return et.bus.Subscribe(et.eventTopic(name)), nil
}

// SetPropertyReadHandler installs or replaces the read handler for name.
// Callable before or after Expose.
func (et *ExposedThing) SetPropertyReadHandler(name string, handler PropertyReadHandler) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.readHandlers[name] = handler
}

// SetPropertyWriteHandler installs or replaces the write handler for name.
// Callable before or after Expose.
func (et *ExposedThing) SetPropertyWriteHandler(name string, handler PropertyWriteHandler) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.writeHandlers[name] = handler
}

// SetActionHandler installs or replaces the handler for action name.
// Callable before or after Expose.
func (et *ExposedThing) SetActionHandler(name string, handler ActionHandler) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.actionHandlers[name] = handler
}

// Expose marks this Thing as enabled. The servient calls this after
// attaching the ExposedThing to its protocol servers and regenerating forms;
// it does not itself touch any server.
func (et *ExposedThing) Expose() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.exposed = true
}

// Destroy marks this Thing as disabled and clears its handlers. The
// servient calls this before detaching the ExposedThing from its servers.
func (et *ExposedThing) Destroy() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.exposed = false
	et.readHandlers = make(map[string]PropertyReadHandler)
	et.writeHandlers = make(map[string]PropertyWriteHandler)
	et.actionHandlers = make(map[string]ActionHandler)
}

// IsExposed reports whether Expose has been called without a following Destroy.
func (et *ExposedThing) IsExposed() bool {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.exposed
}
