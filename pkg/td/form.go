package td

// Form is a protocol-specific binding for an interaction: a URL, the verb it
// is reachable under and the content type of its payload. Forms are derived
// state -- they are rebuilt by the servient whenever a server is attached to
// or removed from an ExposedThing (see the servient package's refresh logic)
// and are never hand authored by interaction handlers.
type Form struct {
	// Href is the absolute URL of the interaction, including scheme.
	Href string `json:"href"`

	// ContentType of the request/response payload. Defaults to application/json.
	ContentType string `json:"contentType,omitempty"`

	// Rel indicates the verb this form is for, eg "readproperty", "observeproperty".
	Rel string `json:"rel,omitempty"`

	// Op lists the WoT operation names this form supports, eg ["readproperty"].
	Op []string `json:"op,omitempty"`
}

// NewForm builds a Form with the default content type applied.
func NewForm(href string, rel string, op ...string) *Form {
	return &Form{
		Href:        href,
		ContentType: "application/json",
		Rel:         rel,
		Op:          op,
	}
}

// SchemeOf returns the URL scheme of a Form's href, eg "http", "ws", "coap".
// Returns "" if the href has no recognizable scheme prefix.
func SchemeOf(href string) string {
	for i := 0; i < len(href); i++ {
		switch href[i] {
		case ':':
			if i+2 < len(href) && href[i+1] == '/' && href[i+2] == '/' {
				return href[:i]
			}
			return ""
		case '/', '?', '#':
			return ""
		}
	}
	return ""
}
