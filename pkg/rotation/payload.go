package rotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// RotatedAtField is the payload field stamped by the generator.
const RotatedAtField = "rotatedAt"

// KindField lets a payload declare its kind explicitly.
const KindField = "kind"

// Field names recognised per kind, in lookup order. The first entry is the
// canonical name written for payloads that declare a kind but carry no value.
var kindFields = []struct {
	kind   Kind
	fields []string
}{
	{KindAPIKey, []string{"apiKey", "api_key", "apikey"}},
	{KindToken, []string{"token", "accessToken", "access_token", "bearerToken", "bearer_token"}},
	{KindPassword, []string{"password", "passwd"}},
	{KindOpaque, []string{"value", "secret"}},
}

const payloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {"type": ["string", "number", "boolean", "null"]}
}`

var compiledPayloadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
})

// Payload is the parsed form of a secret value. Downstream code matches on
// Kind and reads the credential through ValueField; it never probes Fields
// for property names itself.
type Payload struct {
	Kind       Kind
	ValueField string
	Fields     map[string]string
	// Scalars keeps the original JSON text of number, boolean and null
	// fields. Their Fields entry holds the same value as a string, and
	// Marshal writes the original text back while the two still agree.
	Scalars    map[string]json.RawMessage
	RotatedAt  *time.Time
	// Structured is false when the stored value was not a flat JSON object
	// and was wrapped as an Opaque {"value": raw} payload.
	Structured bool
}

// Value returns the credential itself.
func (p Payload) Value() string {
	return p.Fields[p.ValueField]
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	out := p
	out.Fields = make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	if p.Scalars != nil {
		out.Scalars = make(map[string]json.RawMessage, len(p.Scalars))
		for k, v := range p.Scalars {
			out.Scalars[k] = append(json.RawMessage(nil), v...)
		}
	}
	if p.RotatedAt != nil {
		t := *p.RotatedAt
		out.RotatedAt = &t
	}
	return out
}

// ParsePayload turns a stored secret string into a Payload. An empty value is
// MalformedSecret; anything that is not a flat JSON object of scalars
// degrades to Opaque instead of failing.
func ParsePayload(raw string) (Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return Payload{}, &Error{Kind: ErrMalformedSecret, Detail: "secret value is empty"}
	}

	fields, scalars, ok := decodeStructured(raw)
	if !ok {
		return Payload{
			Kind:       KindOpaque,
			ValueField: "value",
			Fields:     map[string]string{"value": raw},
		}, nil
	}

	p := Payload{Fields: fields, Scalars: scalars, Structured: true}
	p.Kind, p.ValueField = detectKind(fields)

	if ts, ok := fields[RotatedAtField]; ok && ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.RotatedAt = &t
		}
	}
	return p, nil
}

func decodeStructured(raw string) (map[string]string, map[string]json.RawMessage, bool) {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return nil, nil, false
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil || !result.Valid() {
		return nil, nil, false
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, nil, false
	}

	fields := make(map[string]string, len(values))
	var scalars map[string]json.RawMessage
	keep := func(name, text string) {
		if scalars == nil {
			scalars = make(map[string]json.RawMessage)
		}
		scalars[name] = json.RawMessage(text)
	}
	for name, v := range values {
		switch v := v.(type) {
		case string:
			fields[name] = v
		case json.Number:
			fields[name] = v.String()
			keep(name, v.String())
		case bool:
			fields[name] = strconv.FormatBool(v)
			keep(name, strconv.FormatBool(v))
		case nil:
			fields[name] = ""
			keep(name, "null")
		default:
			return nil, nil, false
		}
	}
	return fields, scalars, true
}

// scalarText is the string form decodeStructured stores in Fields for a
// non-string scalar.
func scalarText(raw json.RawMessage) string {
	if bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}

func detectKind(fields map[string]string) (Kind, string) {
	if declared, ok := fields[KindField]; ok {
		if kind, ok := normalizeKind(declared); ok {
			for _, kf := range kindFields {
				if kf.kind != kind {
					continue
				}
				for _, name := range kf.fields {
					if _, present := fields[name]; present {
						return kind, name
					}
				}
				return kind, kf.fields[0]
			}
		}
	}

	for _, kf := range kindFields {
		for _, name := range kf.fields {
			if _, present := fields[name]; present {
				return kf.kind, name
			}
		}
	}
	return KindOpaque, "value"
}

func normalizeKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(s)) {
	case "apikey":
		return KindAPIKey, true
	case "token":
		return KindToken, true
	case "password":
		return KindPassword, true
	case "opaque":
		return KindOpaque, true
	}
	return "", false
}

// Marshal renders p back into the stored JSON form with sorted keys.
// Number, boolean and null fields keep their JSON type unless their value was
// replaced.
func (p Payload) Marshal() (string, error) {
	fields := make(map[string]json.RawMessage, len(p.Fields)+1)
	for k, v := range p.Fields {
		if raw, ok := p.Scalars[k]; ok && scalarText(raw) == v {
			fields[k] = raw
			continue
		}
		quoted, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal field %s: %w", k, err)
		}
		fields[k] = quoted
	}
	if p.RotatedAt != nil {
		stamp, _ := json.Marshal(p.RotatedAt.UTC().Format(time.RFC3339))
		fields[RotatedAtField] = stamp
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("payload has no fields")
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}
