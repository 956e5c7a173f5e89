// Package envelope defines the discovery messages frames exchange to obtain
// their communication endpoints.
package envelope

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Source marks envelopes belonging to this protocol. The host frame receives
// many unrelated messages; the marker avoids collisions. It is not a security
// feature.
const Source = "hypothesis"

// Channel names a frame pair. Nomenclature is "[frame1]-[frame2]": Port1 of
// the pair belongs to frame1, Port2 to frame2.
type Channel string

const (
	GuestHost       Channel = "guest-host"
	GuestSidebar    Channel = "guest-sidebar"
	HostSidebar     Channel = "host-sidebar"
	NotebookSidebar Channel = "notebook-sidebar"
)

// Role identifies a kind of frame.
type Role string

const (
	Guest    Role = "guest"
	Host     Role = "host"
	Notebook Role = "notebook"
	Sidebar  Role = "sidebar"
)

// Type is the envelope's message type.
type Type string

const (
	Request Type = "request"
	Offer   Type = "offer"
)

// Envelope is the discovery wire message.
type Envelope struct {
	Channel Channel `json:"channel"`
	Port    Role    `json:"port"`
	Type    Type    `json:"type"`
	Source  string  `json:"source"`
}

// New builds an envelope carrying the protocol source marker.
func New(channel Channel, role Role, typ Type) Envelope {
	return Envelope{Channel: channel, Port: role, Type: typ, Source: Source}
}

// WithType returns a copy of e with a different message type.
func (e Envelope) WithType(typ Type) Envelope {
	e.Type = typ
	return e
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() json.RawMessage {
	data, _ := json.Marshal(e)
	return data
}

var fields = []string{"channel", "port", "source", "type"}

// IsValid reports whether raw data is a well-formed envelope: a JSON object
// whose four envelope fields are strings and whose source is Source.
func IsValid(data []byte) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	obj := gjson.ParseBytes(data)
	if !obj.IsObject() {
		return false
	}
	for _, f := range fields {
		if obj.Get(f).Type != gjson.String {
			return false
		}
	}
	return obj.Get("source").Str == Source
}

// Equal reports whether raw data is a valid envelope with exactly the fields
// of e. Key order does not matter; extra keys make the envelopes differ.
func Equal(data []byte, e Envelope) bool {
	if !IsValid(data) {
		return false
	}

	want := map[string]string{
		"channel": string(e.Channel),
		"port":    string(e.Port),
		"source":  e.Source,
		"type":    string(e.Type),
	}

	equal := true
	seen := 0
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		expected, ok := want[key.Str]
		if !ok || value.Type != gjson.String || value.Str != expected {
			equal = false
			return false
		}
		seen++
		return true
	})
	return equal && seen == len(want)
}

// Parse decodes a valid envelope from raw data.
func Parse(data []byte) (Envelope, bool) {
	if !IsValid(data) {
		return Envelope{}, false
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, false
	}
	return e, true
}
