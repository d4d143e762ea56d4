// Package envelope defines the APNs payload wire schema: the outermost
// JsonAps envelope (aps + appspecificcontent + data) and the ApsMessage it
// carries. It only owns the schema that actually crosses the wire, not
// higher-level convenience builders for alert/badge/sound/category.
package envelope

import (
	"bytes"
	"encoding/json"
)

// InterruptionLevel is the aps.interruption-level enum.
type InterruptionLevel string

const (
	InterruptionPassive       InterruptionLevel = "passive"
	InterruptionActive        InterruptionLevel = "active"
	InterruptionTimeSensitive InterruptionLevel = "time-sensitive"
	InterruptionCritical      InterruptionLevel = "critical"
)

// Alert is the aps.alert object.
type Alert struct {
	Title    *string
	Body     *string
	Subtitle *string
}

// MarshalJSON emits title/body/subtitle with absent fields as explicit
// null, matching the envelope-wide "null rather than omitted" rule.
func (a *Alert) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return json.Marshal(struct {
		Title    *string `json:"title"`
		Body     *string `json:"body"`
		Subtitle *string `json:"subtitle"`
	}{a.Title, a.Body, a.Subtitle})
}

// ApsMessage is the aps object. Every optional field is a pointer so the
// serializer can tell "absent" (emits null) from "present with zero
// value" (emits the value).
type ApsMessage struct {
	Alert             *Alert
	Badge             *int
	Sound             *string
	Category          *string
	MutableContent    *int
	InterruptionLevel *InterruptionLevel
	ContentChanged    *bool
	ContentAvailable  *int
}

// MarshalJSON lowercases field names with the three canonical hyphenated
// exceptions (mutable-content, interruption-level, content-changed).
// content-available is APNs' own wire name for silent background pushes
// and is included for parity with a silent send, even though it is not
// enumerated by name in the canonical alert/widget examples.
func (m ApsMessage) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	field := func(name string, v any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		enc, err := json.Marshal(name)
		if err != nil {
			return err
		}
		buf.Write(enc)
		buf.WriteByte(':')
		enc, err = json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil
	}

	if m.ContentAvailable != nil {
		// Silent envelope: {"aps":{"content-available":1}} only - no
		// other keys, matching the literal silent-send scenario.
		if err := field("content-available", m.ContentAvailable); err != nil {
			return nil, err
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}

	if err := field("alert", m.Alert); err != nil {
		return nil, err
	}
	if err := field("badge", m.Badge); err != nil {
		return nil, err
	}
	if err := field("sound", m.Sound); err != nil {
		return nil, err
	}
	if err := field("category", m.Category); err != nil {
		return nil, err
	}
	if err := field("mutable-content", m.MutableContent); err != nil {
		return nil, err
	}
	if err := field("interruption-level", m.InterruptionLevel); err != nil {
		return nil, err
	}
	if err := field("content-changed", m.ContentChanged); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// JsonAps is the outermost envelope that crosses the wire as the request
// body. The zero value has three top-level keys: aps (mandatory),
// appspecificcontent (null unless set), data (empty object unless
// populated).
type JsonAps struct {
	Aps                ApsMessage
	AppSpecificContent *string
	data               map[string]json.RawMessage
}

// New returns an envelope wrapping the given aps payload with an empty
// data map.
func New(aps ApsMessage) JsonAps {
	return JsonAps{Aps: aps, data: map[string]json.RawMessage{}}
}

// AddSupplemental adds a key to the envelope's data mapping. Adding the
// key "aps" is a programmer error - it would shadow the mandatory aps
// object - so this aborts rather than returning an error.
func (j *JsonAps) AddSupplemental(key string, value any) {
	if key == "aps" {
		panic(`envelope: "aps" may not be added as a supplemental data key`)
	}
	if j.data == nil {
		j.data = map[string]json.RawMessage{}
	}
	enc, err := json.Marshal(value)
	if err != nil {
		panic("envelope: supplemental value for " + key + " does not marshal: " + err.Error())
	}
	j.data[key] = enc
}

// MarshalJSON emits the three canonical top-level keys in order, with
// appspecificcontent as explicit null when absent and data as an empty
// object when no supplementals were added.
func (j JsonAps) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"aps":`)
	apsEnc, err := json.Marshal(j.Aps)
	if err != nil {
		return nil, err
	}
	buf.Write(apsEnc)

	buf.WriteString(`,"appspecificcontent":`)
	ascEnc, err := json.Marshal(j.AppSpecificContent)
	if err != nil {
		return nil, err
	}
	buf.Write(ascEnc)

	buf.WriteString(`,"data":`)
	dataEnc, err := json.Marshal(j.data)
	if err != nil {
		return nil, err
	}
	if j.data == nil {
		buf.WriteString("{}")
	} else {
		buf.Write(dataEnc)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JsonAps so that decode(encode(p)) == p.
func (j *JsonAps) UnmarshalJSON(b []byte) error {
	var raw struct {
		Aps                json.RawMessage            `json:"aps"`
		AppSpecificContent *string                    `json:"appspecificcontent"`
		Data               map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var aps struct {
		Alert             *struct {
			Title    *string `json:"title"`
			Body     *string `json:"body"`
			Subtitle *string `json:"subtitle"`
		} `json:"alert"`
		Badge             *int               `json:"badge"`
		Sound             *string            `json:"sound"`
		Category          *string            `json:"category"`
		MutableContent    *int               `json:"mutable-content"`
		InterruptionLevel *InterruptionLevel `json:"interruption-level"`
		ContentChanged    *bool              `json:"content-changed"`
		ContentAvailable  *int               `json:"content-available"`
	}
	if len(raw.Aps) > 0 {
		if err := json.Unmarshal(raw.Aps, &aps); err != nil {
			return err
		}
	}
	var alert *Alert
	if aps.Alert != nil {
		alert = &Alert{Title: aps.Alert.Title, Body: aps.Alert.Body, Subtitle: aps.Alert.Subtitle}
	}
	j.Aps = ApsMessage{
		Alert:             alert,
		Badge:             aps.Badge,
		Sound:             aps.Sound,
		Category:          aps.Category,
		MutableContent:    aps.MutableContent,
		InterruptionLevel: aps.InterruptionLevel,
		ContentChanged:    aps.ContentChanged,
		ContentAvailable:  aps.ContentAvailable,
	}
	j.AppSpecificContent = raw.AppSpecificContent
	j.data = raw.Data
	if j.data == nil {
		j.data = map[string]json.RawMessage{}
	}
	return nil
}
