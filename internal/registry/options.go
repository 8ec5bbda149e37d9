package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Option is one name/value pair from an engine's options object.
type Option struct {
	Name  string
	Value OptionValue
}

// Options is an engine's option set in file order.  Injection and
// re-serialization both follow that order.
type Options []Option

// Get returns the value stored under name.  A miss returns the zero
// OptionValue, the empty string.
func (o Options) Get(name string) (OptionValue, bool) {
	for _, opt := range o {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return OptionValue{}, false
}

// UnmarshalJSON reads a JSON object, preserving key order.  A repeated
// key keeps its first position and its last value.  Any value that is
// not a boolean, number or string is an error.
func (o *Options) UnmarshalJSON(data []byte) error {
	opts, skipped, err := decodeOptions(data)
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		return errors.Join(skipped...)
	}
	*o = opts
	return nil
}

// decodeOptions is the lenient form of UnmarshalJSON: an unusable value
// drops that one option and is reported in skipped.  err is set only
// when data is not a JSON object (or null, which yields no options).
func decodeOptions(data []byte) (opts Options, skipped []error, err error) {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("options: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("options: expected object, got %v", tok)
	}

	out := Options{}
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("options: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("options: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("options: %q: %w", name, err)
		}
		var val OptionValue
		if err := val.UnmarshalJSON(raw); err != nil {
			skipped = append(skipped, fmt.Errorf("option %q: %w", name, err))
			continue
		}
		if i, seen := index[name]; seen {
			out[i].Value = val
			continue
		}
		index[name] = len(out)
		out = append(out, Option{Name: name, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("options: %w", err)
	}
	return out, skipped, nil
}

// MarshalJSON writes the options as a JSON object in order.
func (o Options) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, opt := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := encodeString(opt.Name)
		if err != nil {
			return nil, err
		}
		val, err := opt.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeString quotes s as JSON without escaping &, < and >, so that
// names and paths are written back as they appear in the file.
func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
