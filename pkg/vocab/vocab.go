// Package vocab holds the well-known string constants used throughout Thing
// Description documents and the protocol bindings: JSON-LD context, data
// schema types, security scheme names and interaction relations. The
// protocol tags that tell servers and clients apart live in pkg/protocol.
package vocab

// WoTContextV1 is the JSON-LD context every Thing Description must include.
const WoTContextV1 = "https://www.w3.org/2019/wot/td/v1"

// TimeFormat is the ISO8601 timestamp format used for 'created' and 'modified'.
const TimeFormat = "2006-01-02T15:04:05.000-0700"

// Data schema types, as used in DataSchema.Type.
const (
	WoTDataTypeBoolean = "boolean"
	WoTDataTypeInteger = "integer"
	WoTDataTypeNumber  = "number"
	WoTDataTypeString  = "string"
	WoTDataTypeObject  = "object"
	WoTDataTypeArray   = "array"
	WoTDataTypeNull    = "null"
)

// WoTNoSecurityScheme marks a Thing as not requiring authentication.
// This servient assumes open access; see the Non-goals in the specification.
const WoTNoSecurityScheme = "nosec"

// Interaction relations (form 'rel' / 'op' values), used for verb-specific
// form selection by clients (see ConsumedThing and the protocol clients).
const (
	RelReadProperty      = "readproperty"
	RelWriteProperty     = "writeproperty"
	RelObserveProperty   = "observeproperty"
	RelUnobserveProperty = "unobserveproperty"
	RelInvokeAction      = "invokeaction"
	RelSubscribeEvent    = "subscribeevent"
	RelUnsubscribeEvent  = "unsubscribeevent"
)

// DefaultContentType is used on forms and payloads unless overridden.
const DefaultContentType = "application/json"
