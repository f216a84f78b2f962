// Package protocol defines the contracts every protocol binding (HTTP,
// WebSocket, CoAP, ...) must implement on both the server side (exposing
// ExposedThings to the network) and the client side (letting a
// ConsumedThing reach a remote Thing), plus the scheme tags used to tell
// bindings apart for client selection and form generation.
package protocol

import (
	"context"

	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/td"
)

// Tag identifies a binding's URL scheme.
type Tag string

const (
	HTTP  Tag = "http"
	HTTPS Tag = "https"
	WS    Tag = "ws"
	WSS   Tag = "wss"
	COAP  Tag = "coap"
	COAPS Tag = "coaps"
	MQTT  Tag = "mqtt"
	MQTTS Tag = "mqtts"
)

// Secure reports whether the tag is the TLS-protected variant of its scheme.
func (t Tag) Secure() bool {
	switch t {
	case HTTPS, WSS, COAPS, MQTTS:
		return true
	default:
		return false
	}
}

// Stream is a disposable, ordered source of notifications. *eventbus.Subscription
// satisfies this, as does any client-side bridge from a protocol's native
// observe mechanism (SSE, WebSocket emit frames, CoAP Observe).
type Stream interface {
	Items() <-chan eventbus.Item
	Dispose()
}

// ServerBinding is the contract every protocol server implements.
type ServerBinding interface {
	// Protocol identifies the scheme this server serves, eg HTTP or WS.
	Protocol() Tag

	// Start begins listening. Idempotent.
	Start(ctx context.Context) error

	// Stop shuts the server down. Idempotent.
	Stop(ctx context.Context) error

	// AddExposedThing registers a Thing with this server's routing tables.
	AddExposedThing(et *exposedthing.ExposedThing) error

	// RemoveExposedThing unregisters a Thing from this server.
	RemoveExposedThing(thingID string) error

	// BuildForms returns the forms this server contributes for the named
	// interaction of tdoc, one per verb it supports.
	BuildForms(hostname string, tdoc *td.ThingTD, interactionName string) []*td.Form

	// BuildBaseURL returns this server's canonical base URL for tdoc.
	BuildBaseURL(hostname string, tdoc *td.ThingTD) string
}

// ClientBinding is the contract every protocol client implements, used by a
// ConsumedThing (via the servient's client selection) to reach a remote Thing.
type ClientBinding interface {
	// Protocol identifies the scheme this client speaks.
	Protocol() Tag

	// IsSupportedInteraction reports whether any form of the named
	// interaction uses this client's scheme.
	IsSupportedInteraction(tdoc *td.ThingTD, name string) bool

	ReadProperty(ctx context.Context, tdoc *td.ThingTD, name string) (interface{}, error)
	WriteProperty(ctx context.Context, tdoc *td.ThingTD, name string, value interface{}) error
	InvokeAction(ctx context.Context, tdoc *td.ThingTD, name string, input interface{}) (interface{}, error)

	// OnPropertyChange and OnEvent return a stream with dispose semantics
	// matching the observable bus contract.
	OnPropertyChange(ctx context.Context, tdoc *td.ThingTD, name string) (Stream, error)
	OnEvent(ctx context.Context, tdoc *td.ThingTD, name string) (Stream, error)

	// OnTDChange is optional; clients that don't support it return a
	// NoHandler error.
	OnTDChange(ctx context.Context, url string) (Stream, error)
}

// FormFor selects the form to use for a given interaction and relation
// within the forms a single client protocol can serve. Among forms whose
// scheme matches scheme, secure variants are preferred over plain; when rel
// is non-empty only forms with that rel are considered; if none match rel
// exactly, the first scheme-matching form is used.
func FormFor(forms []*td.Form, scheme Tag, rel string) *td.Form {
	var plainMatch, secureMatch *td.Form
	var relPlainMatch, relSecureMatch *td.Form

	for _, form := range forms {
		formScheme := Tag(td.SchemeOf(form.Href))
		if !schemeMatches(formScheme, scheme) {
			continue
		}
		secure := formScheme.Secure()

		if rel == "" || form.Rel == rel {
			if secure && relSecureMatch == nil {
				relSecureMatch = form
			} else if !secure && relPlainMatch == nil {
				relPlainMatch = form
			}
		}
		if secure && secureMatch == nil {
			secureMatch = form
		} else if !secure && plainMatch == nil {
			plainMatch = form
		}
	}

	switch {
	case relSecureMatch != nil:
		return relSecureMatch
	case relPlainMatch != nil:
		return relPlainMatch
	case secureMatch != nil:
		return secureMatch
	default:
		return plainMatch
	}
}

// schemeMatches groups a form's scheme with the client's own tag family, so
// eg an HTTP client matches both "http" and "https" forms.
func schemeMatches(formScheme, clientScheme Tag) bool {
	if formScheme == clientScheme {
		return true
	}
	switch clientScheme {
	case HTTP, HTTPS:
		return formScheme == HTTP || formScheme == HTTPS
	case WS, WSS:
		return formScheme == WS || formScheme == WSS
	case COAP, COAPS:
		return formScheme == COAP || formScheme == COAPS
	default:
		return false
	}
}
