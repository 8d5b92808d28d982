package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingTarget = errors.New("relay message missing to")

// Relay is an offer, answer or ice-candidate frame addressed to another peer.
// The payload is opaque; only to and from are interpreted.
type Relay struct {
	Type MessageType
	To   string

	// top-level members in the order the sender wrote them
	fields []relayField
}

type relayField struct {
	key   string
	value json.RawMessage
}

func parseRelay(t MessageType, data []byte) (Relay, error) {
	fields, err := scanObject(data)
	if err != nil {
		return Relay{}, err
	}
	var rawTo json.RawMessage
	for _, f := range fields {
		if f.key == "to" {
			rawTo = f.value
		}
	}
	if rawTo == nil {
		return Relay{}, ErrMissingTarget
	}
	var to string
	if err := json.Unmarshal(rawTo, &to); err != nil {
		return Relay{}, err
	}
	if to == "" {
		return Relay{}, ErrMissingTarget
	}
	return Relay{Type: t, To: to, fields: fields}, nil
}

// scanObject splits a JSON object into its members without re-encoding the
// values. A repeated key keeps its first position and its last value.
func scanObject(data []byte) ([]relayField, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("relay frame is not an object")
	}

	var fields []relayField
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		if i, seen := index[key]; seen {
			fields[i].value = value
			continue
		}
		index[key] = len(fields)
		fields = append(fields, relayField{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

// WithFrom returns the frame to deliver to the target: from set to the
// sender's peer id, followed by every other member the sender supplied in its
// original order with its value bytes untouched.
func (r Relay) WithFrom(from string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"from":`)
	if err := writeString(&buf, from); err != nil {
		return nil, err
	}
	for _, f := range r.fields {
		if f.key == "from" {
			continue
		}
		buf.WriteByte(',')
		if err := writeString(&buf, f.key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		buf.Write(f.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
