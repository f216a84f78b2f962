package td

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// InteractionOutput wraps the value produced by a property read, an action
// result or an event emission together with the schema that describes it,
// so callers can ask for the value in whichever shape they need.
type InteractionOutput struct {
	schema      *DataSchema
	jsonEncoded []byte
	Value       interface{} `json:"value"`
}

// NewInteractionOutput wraps a native Go value, encoding it to JSON eagerly
// so ValueAsXxx accessors and wire serialization share one code path.
func NewInteractionOutput(data interface{}, schema *DataSchema) *InteractionOutput {
	encoded, err := json.Marshal(data)
	if err != nil {
		logrus.Errorf("InteractionOutput: unable to marshal value %v: %s", data, err)
	}
	return &InteractionOutput{jsonEncoded: encoded, schema: schema, Value: data}
}

// NewInteractionOutputFromJSON decodes a JSON-encoded value received over a
// protocol binding into an InteractionOutput carrying its schema.
func NewInteractionOutputFromJSON(jsonEncoded []byte, schema *DataSchema) *InteractionOutput {
	var val interface{}
	if len(jsonEncoded) > 0 {
		if err := json.Unmarshal(jsonEncoded, &val); err != nil {
			logrus.Errorf("InteractionOutput: unable to parse value: %s", err)
		}
	}
	return &InteractionOutput{jsonEncoded: jsonEncoded, schema: schema, Value: val}
}

// Schema returns the data schema fragment describing this value, if known.
func (io *InteractionOutput) Schema() *DataSchema {
	return io.schema
}

// JSON returns the raw JSON encoding of the value.
func (io *InteractionOutput) JSON() []byte {
	return io.jsonEncoded
}

// ValueAsString returns the value decoded as a string.
func (io *InteractionOutput) ValueAsString() string {
	if s, ok := io.Value.(string); ok {
		return s
	}
	var s string
	_ = json.Unmarshal(io.jsonEncoded, &s)
	return s
}

// ValueAsBoolean returns the value decoded as a boolean.
func (io *InteractionOutput) ValueAsBoolean() bool {
	if b, ok := io.Value.(bool); ok {
		return b
	}
	var b bool
	_ = json.Unmarshal(io.jsonEncoded, &b)
	return b
}

// ValueAsNumber returns the value decoded as a float64, the JSON numeric type.
func (io *InteractionOutput) ValueAsNumber() float64 {
	if n, ok := io.Value.(float64); ok {
		return n
	}
	var n float64
	_ = json.Unmarshal(io.jsonEncoded, &n)
	return n
}

// ValueAsMap returns the value decoded as a key-value map.
func (io *InteractionOutput) ValueAsMap() map[string]interface{} {
	if m, ok := io.Value.(map[string]interface{}); ok {
		return m
	}
	m := make(map[string]interface{})
	_ = json.Unmarshal(io.jsonEncoded, &m)
	return m
}

// ValueAsArray returns the value decoded as a slice.
func (io *InteractionOutput) ValueAsArray() []interface{} {
	if a, ok := io.Value.([]interface{}); ok {
		return a
	}
	a := make([]interface{}, 0)
	_ = json.Unmarshal(io.jsonEncoded, &a)
	return a
}
