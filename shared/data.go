package shared

import (
	"encoding/json"
	"fmt"
)

// Data is the JSON-shaped payload of a shared document.
type Data map[string]any

// Decode unmarshals the value under key into v. It reports false when the
// key is absent.
func (d Data) Decode(key string, v any) (bool, error) {
	raw, ok := d[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return true, fmt.Errorf("shared: decode %q: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("shared: decode %q: %w", key, err)
	}
	return true, nil
}

// Encode stores v under key in its generic JSON form, so the document holds
// the same shape whether or not it has been through a store round trip.
func (d Data) Encode(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("shared: encode %q: %w", key, err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return fmt.Errorf("shared: encode %q: %w", key, err)
	}
	d[key] = generic
	return nil
}

// Clone returns a deep copy.
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		out := make(Data, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	out := Data{}
	_ = json.Unmarshal(b, &out)
	return out
}
