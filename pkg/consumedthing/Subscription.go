// Package consumedthing implements the client-side runtime counterpart of a
// Thing Description: reading and writing properties, invoking actions and
// observing property changes/events by delegating to whichever protocol
// client the servient selects for the interaction.
package consumedthing

import (
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/protocol"
)

// Subscription bridges a protocol client's native stream (SSE, WebSocket
// emit frames, CoAP Observe) into a disposable subscription tracked by the
// owning ConsumedThing, so the thing can tear down every live subscription
// on Stop without callers having to keep their own bookkeeping.
type Subscription struct {
	id     int64
	stream protocol.Stream
	owner  *ConsumedThing
}

// Items returns the channel notifications are delivered on.
func (s *Subscription) Items() <-chan eventbus.Item {
	return s.stream.Items()
}

// Dispose stops delivery and detaches the subscription from its owner.
func (s *Subscription) Dispose() {
	s.owner.forgetSubscription(s.id)
	s.stream.Dispose()
}
