package td

// DataSchema is a JSON-Schema fragment describing a property value, an
// action's input/output or an event's payload. Only the subset of JSON
// Schema that the servient itself inspects is modelled, as the fields below;
// any other key in a schema is dropped when it is parsed.
type DataSchema struct {
	Type        string                 `json:"type,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Unit        string                 `json:"unit,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Const       interface{}            `json:"const,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
	Items       *DataSchema            `json:"items,omitempty"`
	Properties  map[string]*DataSchema `json:"properties,omitempty"`
	ReadOnly    bool                   `json:"readOnly,omitempty"`
}

// PropertyAffordance describes a readable/writable/observable piece of state.
// Writable is authoritative for whether write_property is accepted; it is a
// first-class field rather than derived from the data schema's readOnly
// flag, per the data model.
type PropertyAffordance struct {
	DataSchema
	Observable bool    `json:"observable,omitempty"`
	Writable   bool    `json:"writable,omitempty"`
	Forms      []*Form `json:"forms,omitempty"`
}

// ActionAffordance describes an invocable procedure with optional input/output.
type ActionAffordance struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Input       *DataSchema `json:"input,omitempty"`
	Output      *DataSchema `json:"output,omitempty"`
	Safe        bool        `json:"safe,omitempty"`
	Idempotent  bool        `json:"idempotent,omitempty"`
	Forms       []*Form     `json:"forms,omitempty"`
}

// EventAffordance describes a server-emitted notification.
type EventAffordance struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Data        *DataSchema `json:"data,omitempty"`
	Forms       []*Form     `json:"forms,omitempty"`
}
