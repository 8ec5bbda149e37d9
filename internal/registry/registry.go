// Package registry loads the engine registry file: a JSON array of
// engine definitions that the gateway can launch on request.
//
// The file is re-read for every command so that edits take effect
// without a restart.  Loading never fails: an absent file or one that is
// not a JSON array yields an empty registry, and an entry or option
// value that cannot be decoded is dropped on its own.  Every such
// condition is logged, never returned.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	egerr "enginegate/internal/errors"
	"enginegate/util"
)

// EngineDefinition describes one launchable engine.
type EngineDefinition struct {
	ID      string
	Name    string
	Path    string
	Options Options

	// fields records which keys the file carried, so that list writes
	// back "name":"" or "options":{} exactly when they were present.
	fields presence
}

type presence uint8

const (
	hasName presence = 1 << iota
	hasPath
	hasOptions
)

// Load reads the registry at path.  It returns an empty, non-nil slice
// when the file is absent, unreadable or not a JSON array; entries that
// cannot be decoded are skipped.
func Load(path string, logger *util.Logger) []EngineDefinition {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("registry %s not found, no engines available", path)
		} else {
			logger.Error("registry %s unreadable: %v", path, err)
		}
		return []EngineDefinition{}
	}

	defs, skipped, err := Parse(data)
	if err != nil {
		logger.Error("registry %s malformed: %v", path, err)
		return []EngineDefinition{}
	}
	for _, e := range skipped {
		logger.Warn("registry %s: skipped %v", path, e)
	}
	logger.Debug("registry %s: %d engine(s)", path, len(defs))
	return defs
}

// Parse decodes registry file content.  err is set only when data is
// not a JSON array.  An entry that is not an object, or whose id, name
// or path is not a string, is dropped; so is an option value that is
// not a boolean, number or string.  Each drop is reported in skipped.
// Unknown fields are ignored.
func Parse(data []byte) (defs []EngineDefinition, skipped []error, err error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &entries); err != nil {
		return nil, nil, err
	}
	if entries == nil {
		return nil, nil, errors.New("registry is null, expected an array")
	}

	defs = make([]EngineDefinition, 0, len(entries))
	for i, raw := range entries {
		def, dropped, err := decodeEntry(raw)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		for _, d := range dropped {
			skipped = append(skipped, fmt.Errorf("entry %d (%s): %w", i, def.ID, d))
		}
		defs = append(defs, def)
	}
	return defs, skipped, nil
}

// decodeEntry decodes one array element.  A null field counts as absent.
func decodeEntry(raw json.RawMessage) (EngineDefinition, []error, error) {
	var def EngineDefinition
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return def, nil, fmt.Errorf("not an object: %s", truncate(raw))
	}

	for _, f := range []struct {
		key  string
		dst  *string
		flag presence
	}{
		{"id", &def.ID, 0},
		{"name", &def.Name, hasName},
		{"path", &def.Path, hasPath},
	} {
		v, ok := fields[f.key]
		if !ok || isNull(v) {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return def, nil, fmt.Errorf("%s must be a string, got %s", f.key, truncate(v))
		}
		def.fields |= f.flag
	}

	v, ok := fields["options"]
	if !ok || isNull(v) {
		return def, nil, nil
	}
	opts, dropped, err := decodeOptions(v)
	if err != nil {
		return def, nil, err
	}
	def.Options = opts
	def.fields |= hasOptions
	return def, dropped, nil
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

// UnmarshalJSON decodes a single definition strictly: any value that
// Parse would drop is an error.
func (d *EngineDefinition) UnmarshalJSON(data []byte) error {
	def, dropped, err := decodeEntry(data)
	if err != nil {
		return err
	}
	if len(dropped) > 0 {
		return errors.Join(dropped...)
	}
	*d = def
	return nil
}

// MarshalJSON writes id, name, path and options in that order.  name,
// path and options appear when the file carried them or when they are
// non-empty.
func (d EngineDefinition) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	field := func(key string, val []byte) {
		if buf.Len() > 0 {
			buf.WriteByte(',')
		} else {
			buf.WriteByte('{')
		}
		buf.WriteString(`"` + key + `":`)
		buf.Write(val)
	}

	for _, f := range []struct {
		key  string
		val  string
		keep bool
	}{
		{"id", d.ID, true},
		{"name", d.Name, d.Name != "" || d.fields&hasName != 0},
		{"path", d.Path, d.Path != "" || d.fields&hasPath != 0},
	} {
		if !f.keep {
			continue
		}
		val, err := encodeString(f.val)
		if err != nil {
			return nil, err
		}
		field(f.key, val)
	}
	if len(d.Options) > 0 || d.fields&hasOptions != 0 {
		val, err := d.Options.MarshalJSON()
		if err != nil {
			return nil, err
		}
		field("options", val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Marshal encodes defs as a single-line JSON array; an empty registry
// encodes as "[]".  &, < and > are written unescaped.
func Marshal(defs []EngineDefinition) ([]byte, error) {
	if defs == nil {
		defs = []EngineDefinition{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(defs); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Find returns the definition whose id equals id exactly.
func Find(defs []EngineDefinition, id string) (EngineDefinition, bool) {
	for _, d := range defs {
		if d.ID == id {
			return d, true
		}
	}
	return EngineDefinition{}, false
}

// Resolve looks id up and returns its definition together with the
// absolute executable path.  The error is an *errors.EngineError
// matching ErrEngineNotFound or ErrPathNotConfigured.
func Resolve(defs []EngineDefinition, id, baseDir string) (EngineDefinition, string, error) {
	def, ok := Find(defs, id)
	if !ok {
		return EngineDefinition{}, "", egerr.NotFound(id)
	}
	if strings.TrimSpace(def.Path) == "" {
		return def, "", egerr.NoPath(id)
	}
	return def, ResolvePath(baseDir, def.Path), nil
}

// ResolvePath returns p unchanged (cleaned) when absolute, otherwise p
// joined onto baseDir.
func ResolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}
