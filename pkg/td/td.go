// Package td implements the Thing Description document model: the
// properties/actions/events affordance maps, their forms and data schemas,
// and (de)serialization that preserves top-level fields this runtime does
// not know about. Unknown fields inside an affordance or a data schema are
// not kept: they are dropped when a TD is parsed and re-encoded.
package td

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wostzone/wot-servient/pkg/vocab"
)

var urlNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// UrlName slugifies a Thing id into a path-safe segment. Ids are commonly
// URNs (eg "urn:dev:living-room:lamp-1"); only the final colon-separated
// component is kept, so "urn:a" becomes "a" and "urn:dev:living-room:lamp-1"
// becomes "lamp-1". Ids without a colon are used whole.
func UrlName(thingID string) string {
	name := thingID
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	name = urlNameRe.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "thing"
	}
	return strings.ToLower(name)
}

// thingTDAlias has the same shape as ThingTD but without its methods, used
// to mashal/unmarshal the known fields without recursing into ThingTD's own
// MarshalJSON/UnmarshalJSON.
type thingTDAlias struct {
	Context     interface{}                    `json:"@context"`
	ID          string                         `json:"id"`
	AtType      interface{}                    `json:"@type,omitempty"`
	Title       string                         `json:"title"`
	Description string                         `json:"description,omitempty"`
	Created     string                         `json:"created,omitempty"`
	Modified    string                         `json:"modified,omitempty"`
	Security    []string                       `json:"security,omitempty"`
	Base        string                         `json:"base,omitempty"`
	Properties  map[string]*PropertyAffordance `json:"properties,omitempty"`
	Actions     map[string]*ActionAffordance   `json:"actions,omitempty"`
	Events      map[string]*EventAffordance    `json:"events,omitempty"`
	Forms       []*Form                        `json:"forms,omitempty"`
}

// ThingTD is the in-memory representation of a Thing Description document.
//
// Unknown top-level fields encountered while parsing (anything beyond what
// this runtime understands) are kept in 'extra' and written back out on
// MarshalJSON, so a TD round-trips even when it carries vendor extensions
// this servient does not interpret.
type ThingTD struct {
	thingTDAlias
	extra map[string]json.RawMessage
	mu    sync.RWMutex
}

var knownTopLevelKeys = map[string]bool{
	"@context": true, "id": true, "@type": true, "title": true,
	"description": true, "created": true, "modified": true,
	"security": true, "base": true, "properties": true,
	"actions": true, "events": true, "forms": true,
}

// UnmarshalJSON decodes a TD, capturing any field this runtime does not
// model explicitly so it can be re-emitted unchanged.
func (tdoc *ThingTD) UnmarshalJSON(data []byte) error {
	var alias thingTDAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		// The interaction maps are kept raw too: MarshalJSON drops an empty
		// map (omitempty), and this lets an empty one be written back.
		if !knownTopLevelKeys[k] || k == "properties" || k == "actions" || k == "events" {
			extra[k] = v
		}
	}
	tdoc.thingTDAlias = alias
	tdoc.extra = extra
	if tdoc.Properties == nil {
		tdoc.Properties = map[string]*PropertyAffordance{}
	}
	if tdoc.Actions == nil {
		tdoc.Actions = map[string]*ActionAffordance{}
	}
	if tdoc.Events == nil {
		tdoc.Events = map[string]*EventAffordance{}
	}
	return nil
}

// MarshalJSON encodes the TD, overlaying any preserved unknown fields back
// onto the document without clobbering the fields this runtime understands.
func (tdoc *ThingTD) MarshalJSON() ([]byte, error) {
	tdoc.mu.RLock()
	defer tdoc.mu.RUnlock()

	known, err := json.Marshal(tdoc.thingTDAlias)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range tdoc.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// GetProperty returns the property affordance with the given name, or nil.
func (tdoc *ThingTD) GetProperty(name string) *PropertyAffordance {
	tdoc.mu.RLock()
	defer tdoc.mu.RUnlock()
	return tdoc.Properties[name]
}

// GetAction returns the action affordance with the given name, or nil.
func (tdoc *ThingTD) GetAction(name string) *ActionAffordance {
	tdoc.mu.RLock()
	defer tdoc.mu.RUnlock()
	return tdoc.Actions[name]
}

// GetEvent returns the event affordance with the given name, or nil.
func (tdoc *ThingTD) GetEvent(name string) *EventAffordance {
	tdoc.mu.RLock()
	defer tdoc.mu.RUnlock()
	return tdoc.Events[name]
}

// UpdateProperty adds or replaces a property affordance. Returns the
// affordance so calls can be chained while building a TD.
func (tdoc *ThingTD) UpdateProperty(name string, affordance *PropertyAffordance) *PropertyAffordance {
	tdoc.mu.Lock()
	defer tdoc.mu.Unlock()
	tdoc.Properties[name] = affordance
	return affordance
}

// UpdateAction adds or replaces an action affordance.
func (tdoc *ThingTD) UpdateAction(name string, affordance *ActionAffordance) *ActionAffordance {
	tdoc.mu.Lock()
	defer tdoc.mu.Unlock()
	tdoc.Actions[name] = affordance
	return affordance
}

// UpdateEvent adds or replaces an event affordance.
func (tdoc *ThingTD) UpdateEvent(name string, affordance *EventAffordance) *EventAffordance {
	tdoc.mu.Lock()
	defer tdoc.mu.Unlock()
	tdoc.Events[name] = affordance
	return affordance
}

// AddProperty is a convenience for building a TD programmatically: it
// creates a read-only property of the given type and stores it under name.
func (tdoc *ThingTD) AddProperty(name string, title string, dataType string) *PropertyAffordance {
	prop := &PropertyAffordance{
		DataSchema: DataSchema{Type: dataType, Title: title, ReadOnly: true},
	}
	return tdoc.UpdateProperty(name, prop)
}

// AddAction is a convenience for building a TD programmatically.
func (tdoc *ThingTD) AddAction(name string, title string) *ActionAffordance {
	return tdoc.UpdateAction(name, &ActionAffordance{Title: title})
}

// AddEvent is a convenience for building a TD programmatically.
func (tdoc *ThingTD) AddEvent(name string, title string, dataType string) *EventAffordance {
	return tdoc.UpdateEvent(name, &EventAffordance{
		Title: title,
		Data:  &DataSchema{Type: dataType},
	})
}

// SetForms replaces the forms of a single interaction (property, action or
// event) identified by name. Used by the servient when regenerating forms
// for newly attached/removed protocol servers. The property, action and
// event maps are searched in that order and the first match is updated.
func (tdoc *ThingTD) SetForms(name string, forms []*Form) bool {
	tdoc.mu.Lock()
	defer tdoc.mu.Unlock()
	if p, ok := tdoc.Properties[name]; ok {
		p.Forms = forms
		return true
	}
	if a, ok := tdoc.Actions[name]; ok {
		a.Forms = forms
		return true
	}
	if e, ok := tdoc.Events[name]; ok {
		e.Forms = forms
		return true
	}
	return false
}

// FormsOf returns the current forms of the named interaction, regardless of kind.
func (tdoc *ThingTD) FormsOf(name string) []*Form {
	tdoc.mu.RLock()
	defer tdoc.mu.RUnlock()
	if p, ok := tdoc.Properties[name]; ok {
		return p.Forms
	}
	if a, ok := tdoc.Actions[name]; ok {
		return a.Forms
	}
	if e, ok := tdoc.Events[name]; ok {
		return e.Forms
	}
	return nil
}

// InteractionNames returns every property, action and event name, in the
// order properties, then actions, then events -- the same order client
// selection searches in.
func (tdoc *ThingTD) InteractionNames() []string {
	tdoc.mu.RLock()
	defer tdoc.mu.RUnlock()
	names := make([]string, 0, len(tdoc.Properties)+len(tdoc.Actions)+len(tdoc.Events))
	for n := range tdoc.Properties {
		names = append(names, n)
	}
	for n := range tdoc.Actions {
		names = append(names, n)
	}
	for n := range tdoc.Events {
		names = append(names, n)
	}
	return names
}

// WithBase returns a shallow copy of the TD with the 'base' field set. Used
// by the catalogue and by servers to annotate the TD they hand out without
// mutating the ExposedThing's canonical document.
func (tdoc *ThingTD) WithBase(base string) *ThingTD {
	tdoc.mu.RLock()
	clone := tdoc.thingTDAlias
	tdoc.mu.RUnlock()
	clone.Base = base
	return &ThingTD{thingTDAlias: clone, extra: tdoc.extra}
}

// CreateTD creates a new, empty Thing Description ready for interactions to
// be added to it. Security defaults to "nosec": this servient assumes open
// access (see the specification's Non-goals).
func CreateTD(thingID string, title string) *ThingTD {
	now := time.Now().UTC().Format(vocab.TimeFormat)
	return &ThingTD{
		thingTDAlias: thingTDAlias{
			Context:     []string{vocab.WoTContextV1},
			ID:          thingID,
			Title:       title,
			Created:     now,
			Modified:    now,
			Security:    []string{vocab.WoTNoSecurityScheme},
			Properties:  map[string]*PropertyAffordance{},
			Actions:     map[string]*ActionAffordance{},
			Events:      map[string]*EventAffordance{},
		},
	}
}

// ParseTD parses a TD JSON document.
func ParseTD(data []byte) (*ThingTD, error) {
	tdoc := &ThingTD{}
	if err := json.Unmarshal(data, tdoc); err != nil {
		return nil, fmt.Errorf("parsing thing description: %w", err)
	}
	if tdoc.ID == "" {
		return nil, fmt.Errorf("thing description is missing required field 'id'")
	}
	return tdoc, nil
}
