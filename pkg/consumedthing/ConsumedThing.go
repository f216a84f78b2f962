package consumedthing

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
)

// ClientSelector resolves the protocol client to use for one interaction of
// a Thing. The servient supplies this (see its select_client algorithm) so
// ConsumedThing itself never has to know about the set of registered
// protocol clients.
type ClientSelector func(tdoc *td.ThingTD, interactionName string) (protocol.ClientBinding, error)

// ConsumedThing is the client-side runtime counterpart of a Thing
// Description: it mirrors the ExposedThing surface but every call is routed
// through a ClientSelector rather than a local value store.
//
// This is modelled after the WoT scripting API's ConsumedThing interface,
// adapted to return Go errors instead of rejecting a promise.
type ConsumedThing struct {
	tdoc         *td.ThingTD
	selectClient ClientSelector

	valuesMu sync.RWMutex
	values   map[string]interface{}

	subsMu    sync.Mutex
	nextSubID int64
	subs      map[int64]*Subscription
}

// New wraps tdoc in a ConsumedThing that resolves its protocol client for
// each call via selectClient.
func New(tdoc *td.ThingTD, selectClient ClientSelector) *ConsumedThing {
	return &ConsumedThing{
		tdoc:         tdoc,
		selectClient: selectClient,
		values:       make(map[string]interface{}),
		subs:         make(map[int64]*Subscription),
	}
}

// TD returns the Thing Description this ConsumedThing consumes.
func (ct *ConsumedThing) TD() *td.ThingTD {
	return ct.tdoc
}

func (ct *ConsumedThing) putValue(name string, value interface{}) {
	ct.valuesMu.Lock()
	defer ct.valuesMu.Unlock()
	ct.values[name] = value
}

// LastKnownValue returns the value of name from the most recent successful
// ReadProperty, without making a network request. ObserveProperty
// notifications do not update it.
func (ct *ConsumedThing) LastKnownValue(name string) (interface{}, bool) {
	ct.valuesMu.RLock()
	defer ct.valuesMu.RUnlock()
	v, found := ct.values[name]
	return v, found
}

// ReadProperty requests a Property value from whichever protocol client
// serves it.
func (ct *ConsumedThing) ReadProperty(ctx context.Context, name string) (interface{}, error) {
	if ct.tdoc.GetProperty(name) == nil {
		return nil, errs.New(errs.NotFound, "property %q is not defined on thing %q", name, ct.tdoc.ID)
	}
	client, err := ct.selectClient(ct.tdoc, name)
	if err != nil {
		return nil, err
	}
	value, err := client.ReadProperty(ctx, ct.tdoc, name)
	if err != nil {
		return nil, err
	}
	ct.putValue(name, value)
	return value, nil
}

// ReadMultipleProperties reads several properties, collecting the results
// that succeed; a per-property failure is logged and omitted rather than
// aborting the whole batch.
func (ct *ConsumedThing) ReadMultipleProperties(ctx context.Context, names []string) map[string]interface{} {
	result := make(map[string]interface{}, len(names))
	for _, name := range names {
		value, err := ct.ReadProperty(ctx, name)
		if err != nil {
			logrus.Warningf("ReadMultipleProperties: %s", err)
			continue
		}
		result[name] = value
	}
	return result
}

// ReadAllProperties reads every property declared on the Thing Description.
func (ct *ConsumedThing) ReadAllProperties(ctx context.Context) map[string]interface{} {
	return ct.ReadMultipleProperties(ctx, ct.tdoc.InteractionNames())
}

// WriteProperty submits a request to change a property's value. It returns
// once the request has been acknowledged by the remote Thing; the change
// itself is confirmed separately through a property-change notification to
// anyone observing the property.
func (ct *ConsumedThing) WriteProperty(ctx context.Context, name string, value interface{}) error {
	prop := ct.tdoc.GetProperty(name)
	if prop == nil {
		return errs.New(errs.NotFound, "property %q is not defined on thing %q", name, ct.tdoc.ID)
	}
	if !prop.Writable {
		return errs.New(errs.NotWritable, "property %q is read-only", name)
	}
	client, err := ct.selectClient(ct.tdoc, name)
	if err != nil {
		return err
	}
	return client.WriteProperty(ctx, ct.tdoc, name, value)
}

// InvokeAction invokes a remote action and returns its result.
func (ct *ConsumedThing) InvokeAction(ctx context.Context, name string, input interface{}) (interface{}, error) {
	if ct.tdoc.GetAction(name) == nil {
		return nil, errs.New(errs.NotFound, "action %q is not defined on thing %q", name, ct.tdoc.ID)
	}
	client, err := ct.selectClient(ct.tdoc, name)
	if err != nil {
		return nil, err
	}
	return client.InvokeAction(ctx, ct.tdoc, name, input)
}

// trackSubscription wraps a freshly opened protocol stream, registers it so
// Stop can dispose of it later, and returns the handle callers see.
func (ct *ConsumedThing) trackSubscription(stream protocol.Stream) *Subscription {
	ct.subsMu.Lock()
	defer ct.subsMu.Unlock()
	ct.nextSubID++
	sub := &Subscription{id: ct.nextSubID, stream: stream, owner: ct}
	ct.subs[sub.id] = sub
	return sub
}

func (ct *ConsumedThing) forgetSubscription(id int64) {
	ct.subsMu.Lock()
	defer ct.subsMu.Unlock()
	delete(ct.subs, id)
}

// ObserveProperty requests property value change notifications for name.
func (ct *ConsumedThing) ObserveProperty(ctx context.Context, name string) (*Subscription, error) {
	if ct.tdoc.GetProperty(name) == nil {
		return nil, errs.New(errs.NotFound, "property %q is not defined on thing %q", name, ct.tdoc.ID)
	}
	client, err := ct.selectClient(ct.tdoc, name)
	if err != nil {
		return nil, err
	}
	stream, err := client.OnPropertyChange(ctx, ct.tdoc, name)
	if err != nil {
		return nil, err
	}
	return ct.trackSubscription(stream), nil
}

// SubscribeEvent requests notifications for emissions of the named event.
func (ct *ConsumedThing) SubscribeEvent(ctx context.Context, name string) (*Subscription, error) {
	if ct.tdoc.GetEvent(name) == nil {
		return nil, errs.New(errs.NotFound, "event %q is not defined on thing %q", name, ct.tdoc.ID)
	}
	client, err := ct.selectClient(ct.tdoc, name)
	if err != nil {
		return nil, err
	}
	stream, err := client.OnEvent(ctx, ct.tdoc, name)
	if err != nil {
		return nil, err
	}
	return ct.trackSubscription(stream), nil
}

// Stop disposes every active subscription and clears the cached values.
// Intended for use when the ConsumedThing is discarded.
func (ct *ConsumedThing) Stop() {
	ct.subsMu.Lock()
	subs := make([]*Subscription, 0, len(ct.subs))
	for _, sub := range ct.subs {
		subs = append(subs, sub)
	}
	ct.subs = make(map[int64]*Subscription)
	ct.subsMu.Unlock()

	for _, sub := range subs {
		sub.stream.Dispose()
	}

	ct.valuesMu.Lock()
	ct.values = make(map[string]interface{})
	ct.valuesMu.Unlock()
}
