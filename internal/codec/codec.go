// Package codec defines the serialization contract shared by the master and
// the worker processes. Both sides must be configured with the same codec.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Codec names.
const (
	NameJSON = "json"
	NameGob  = "gob"
)

// Default is the codec used when none is configured.
const Default = NameJSON

// Codec encodes values to bytes and decodes bytes into values.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string

	// Encode serializes v.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into the value pointed to by v.
	Decode(data []byte, v any) error
}

var codecs = map[string]Codec{
	NameJSON: JSON{},
	NameGob:  Gob{},
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q: must be one of %v", name, Names())
	}
	return c, nil
}

// Names returns the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// JSON is the default codec. Decoding into an untyped value yields the
// encoding/json representations (float64 numbers, map[string]any objects).
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

// Gob encodes values with encoding/gob. Values travel inside an envelope
// so they can be decoded without knowing their type in advance; concrete
// types other than gob's builtins must be registered with gob.Register on
// both sides.
type Gob struct{}

type gobEnvelope struct {
	V any
}

// The untyped shapes JSON-parsed values take, so they can travel in the
// envelope without registration by the caller.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

func (Gob) Name() string { return NameGob }

func (Gob) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobEnvelope{V: v}); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (Gob) Decode(data []byte, v any) error {
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}

	target := reflect.ValueOf(v)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("gob decode: target must be a non-nil pointer, got %T", v)
	}
	elem := target.Elem()
	if env.V == nil {
		elem.SetZero()
		return nil
	}
	val := reflect.ValueOf(env.V)
	if !val.Type().AssignableTo(elem.Type()) {
		conv, ok := convertNumber(val, elem.Type())
		if !ok {
			return fmt.Errorf("gob decode: cannot assign %s to %s", val.Type(), elem.Type())
		}
		val = conv
	}
	elem.Set(val)
	return nil
}

// convertNumber converts between numeric kinds when no precision is lost,
// so a whole float64 decodes into an int the way it does with JSON.
func convertNumber(val reflect.Value, typ reflect.Type) (reflect.Value, bool) {
	if !isNumber(val.Kind()) || !isNumber(typ.Kind()) {
		return reflect.Value{}, false
	}
	out := val.Convert(typ)
	if !out.Convert(val.Type()).Equal(val) {
		return reflect.Value{}, false
	}
	return out, true
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
