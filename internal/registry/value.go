package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags the variant held by an OptionValue.  KindString is the
// zero Kind.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// OptionValue is a closed variant over bool, integer and string.  The
// zero value is the empty string.
type OptionValue struct {
	kind Kind
	b    bool
	i    int64
	s    string
	// number marks a String holding a non-integer JSON number literal,
	// so that it is written back as a number.
	number bool
}

// Bool returns a boolean OptionValue.
func Bool(v bool) OptionValue { return OptionValue{kind: KindBool, b: v} }

// Int returns an integer OptionValue.
func Int(v int64) OptionValue { return OptionValue{kind: KindInt, i: v} }

// String returns a string OptionValue.
func String(v string) OptionValue { return OptionValue{kind: KindString, s: v} }

// Kind reports which variant v holds.
func (v OptionValue) Kind() Kind { return v.kind }

// Render returns the text used in a setoption line: "true"/"false" for
// booleans, base-10 for integers, strings verbatim.
func (v OptionValue) Render() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return v.s
	}
}

func (v OptionValue) String() string { return v.Render() }

// MarshalJSON writes the value back in the JSON type it was read as.
func (v OptionValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	default:
		if v.number {
			return []byte(v.s), nil
		}
		return encodeString(v.s)
	}
}

// UnmarshalJSON accepts a JSON boolean, number or string.  Integer
// literals become Int; any other number is kept as a String holding its
// literal text.  null, arrays and objects are rejected.
func (v *OptionValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("option value: empty")
	}
	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("option value: %w", err)
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("option value: %w", err)
		}
		*v = String(s)
	case 'n', '[', '{':
		return fmt.Errorf("option value: unsupported JSON value %s", truncate(data))
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("option value: %w", err)
		}
		if i, err := n.Int64(); err == nil {
			*v = Int(i)
			return nil
		}
		*v = OptionValue{kind: KindString, s: n.String(), number: true}
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > 16 {
		return string(b[:16]) + "..."
	}
	return string(b)
}
