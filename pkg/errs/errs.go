// Package errs defines the servient's error taxonomy and how each kind maps
// onto the wire representations of the protocol bindings (HTTP status,
// JSON-RPC error code, CoAP response code).
package errs

import "fmt"

// Kind identifies one of the error categories every binding must be able to
// surface in its own wire format.
type Kind string

const (
	NotFound               Kind = "NotFound"
	NotWritable            Kind = "NotWritable"
	NoHandler              Kind = "NoHandler"
	InvalidInput           Kind = "InvalidInput"
	HandlerError           Kind = "HandlerError"
	FormNotFound           Kind = "FormNotFound"
	ProtocolClientError    Kind = "ProtocolClientError"
	UnknownInteraction     Kind = "UnknownInteraction"
	NoClientForInteraction Kind = "NoClientForInteraction"
	Cancelled              Kind = "Cancelled"
)

// Error is a typed servient error carrying the taxonomy kind alongside a
// human-readable message, so binding layers can map it to the right wire
// representation without string matching.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind from an error, defaulting to
// HandlerError for anything that isn't one of this package's typed errors --
// mirroring the propagation policy that unexpected handler panics surface as
// HandlerError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return HandlerError
}

// HTTPStatus maps a taxonomy kind onto the HTTP status code the HTTP binding
// must respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return 404
	case NotWritable:
		return 405
	case NoHandler:
		return 501
	case InvalidInput:
		return 400
	case HandlerError:
		return 500
	default:
		return 500
	}
}

// JSONRPCCode maps a taxonomy kind onto the JSON-RPC 2.0 error code the
// WebSocket binding must respond with.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case NotFound, NotWritable, NoHandler:
		return -32601 // method/resource not found or not allowed
	case InvalidInput:
		return -32602 // invalid params
	case HandlerError:
		return -32000 // server error, reserved range
	default:
		return -32000
	}
}

// CoAPCode maps a taxonomy kind onto an RFC 7252 response code, expressed as
// the conventional "class.detail" mapping used by CoAP stacks (eg 4.04).
func CoAPCode(kind Kind) (class, detail int) {
	switch kind {
	case NotFound:
		return 4, 4
	case NotWritable, NoHandler:
		return 4, 5
	case InvalidInput:
		return 4, 0
	case HandlerError:
		return 5, 0
	default:
		return 5, 0
	}
}
