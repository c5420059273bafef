package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Index cache records and reduction graphs are plain structs/maps, for which
// JSON is stable and portable. If you need custom encoding, implement Codec
// and set it where supported.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the default codec used by the library.
//
// NOTE: This affects newly-written cache records. Existing persisted records
// are self-describing (they store the codec name) and are opened by selecting
// the appropriate codec by name.
var Default Codec = GoJSON{}
