package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// UseCaseAll is the sentinel filter value matching every device.
const UseCaseAll = "All"

// useCaseAttribute is the entity facet that carries the deployment context tag.
const useCaseAttribute = "useCases"

// Attribute is a single NGSI-LD entity attribute. The value shape varies by
// device type and is not known statically.
type Attribute struct {
	Type   string      `json:"type,omitempty"`
	Value  interface{} `json:"value"`
	Object interface{} `json:"object,omitempty"`
}

// Device is one entity snapshot returned by the context broker. ID and Type
// are always present; everything else lives in the open attribute map.
type Device struct {
	ID         string
	Type       string
	Attributes map[string]Attribute
}

// UnmarshalJSON splits the fixed identity fields from the open attribute set.
func (d *Device) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if idRaw, ok := raw["id"]; ok {
		if err := json.Unmarshal(idRaw, &d.ID); err != nil {
			return fmt.Errorf("decode device id: %w", err)
		}
		delete(raw, "id")
	}
	if typeRaw, ok := raw["type"]; ok {
		if err := json.Unmarshal(typeRaw, &d.Type); err != nil {
			return fmt.Errorf("decode device type: %w", err)
		}
		delete(raw, "type")
	}
	if d.ID == "" {
		return fmt.Errorf("entity is missing id")
	}
	if d.Type == "" {
		return fmt.Errorf("entity %s is missing type", d.ID)
	}
	d.Attributes = make(map[string]Attribute, len(raw))
	for name, attrRaw := range raw {
		var attr Attribute
		if err := json.Unmarshal(attrRaw, &attr); err != nil {
			// Context metadata such as @context is not an attribute object.
			var value interface{}
			if err := json.Unmarshal(attrRaw, &value); err != nil {
				return fmt.Errorf("decode attribute %s of %s: %w", name, d.ID, err)
			}
			attr = Attribute{Value: value}
		}
		d.Attributes[name] = attr
	}
	return nil
}

// MarshalJSON restores the flat entity shape the broker produced.
func (d Device) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Attributes)+2)
	out["id"] = d.ID
	out["type"] = d.Type
	for name, attr := range d.Attributes {
		out[name] = attr
	}
	return json.Marshal(out)
}

// UseCase returns the device's use-case tag, if any.
func (d Device) UseCase() (string, bool) {
	attr, ok := d.Attributes[useCaseAttribute]
	if !ok {
		return "", false
	}
	value, ok := attr.Value.(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// SeriesQuery is a bounded historical slice request.
type SeriesQuery struct {
	DeviceID   string
	DeviceType string
	Start      time.Time
	End        time.Time
	SampleCap  int
}

// SeriesAttribute holds one attribute's historical values, positionally
// aligned with the series timestamps.
type SeriesAttribute struct {
	Name   string        `json:"attrName"`
	Values []interface{} `json:"values"`
}

// Series is the reshaped historical response for one entity.
type Series struct {
	Timestamps []string          `json:"index"`
	Attributes []SeriesAttribute `json:"attributes"`
}

// Attribute returns the values recorded for the named attribute.
func (s Series) Attribute(name string) ([]interface{}, bool) {
	for _, attr := range s.Attributes {
		if attr.Name == name {
			return attr.Values, true
		}
	}
	return nil, false
}

// UpstreamError reports a failed broker call with enough context for logging.
type UpstreamError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("upstream %s unreachable: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
