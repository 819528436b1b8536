package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"unicode/utf16"
)

// IRValue is a sealed interface over the values a configuration tree or
// record may hold. Data variants are IRNull, IRString, IRInt, IRBool,
// IRArray and IRObject. Runtime objects (instances, datastores, proxies)
// join the sum by embedding Extension.
//
// There is no float variant: fractional numbers are rejected at every
// decode boundary so canonical encodings stay stable.
type IRValue interface {
	irValue() // sealed
}

// IRNull is an explicit JSON null.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString is a string value.
type IRString string

func (IRString) irValue() {}

// IRInt is an integer value. Always int64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool is a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray is an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject maps string keys to values.
// Iterate with SortedKeys() when order matters.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// Extension lets a non-data type occupy a value slot.
//
//	type Instance struct {
//	    ir.Extension
//	    ...
//	}
//
// Extensions are carried by reference: Clone shares them, Equal compares
// them by identity and MarshalCanonical refuses them.
type Extension struct{}

func (Extension) irValue() {}

// Named is implemented by extensions that want a readable JSON form.
type Named interface {
	IRValue
	DisplayName() string
}

// Node is a host element handed to components through their config. A
// node given where a config object is expected is shorthand for
// {"element": node}. The runtime never walks into a node.
type Node interface {
	IRValue
	NodeName() string
}

// IsData reports whether v is one of the plain data variants.
func IsData(v IRValue) bool {
	switch v.(type) {
	case IRNull, IRString, IRInt, IRBool, IRArray, IRObject:
		return true
	}
	return false
}

// O builds an IRObject from alternating key/value arguments.
//
//	ir.O("key", ir.IRString("k"), "v", ir.IRInt(1))
func O(kv ...any) IRObject {
	if len(kv)%2 != 0 {
		panic("ir.O: odd number of arguments")
	}
	obj := make(IRObject, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("ir.O: key at %d is %T, want string", i, kv[i]))
		}
		v, err := FromGo(kv[i+1])
		if err != nil {
			panic(fmt.Sprintf("ir.O: %s: %v", k, err))
		}
		obj[k] = v
	}
	return obj
}

// A builds an IRArray from Go values.
func A(vals ...any) IRArray {
	arr := make(IRArray, len(vals))
	for i, v := range vals {
		iv, err := FromGo(v)
		if err != nil {
			panic(fmt.Sprintf("ir.A: [%d]: %v", i, err))
		}
		arr[i] = iv
	}
	return arr
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units), which
// differs from Go's byte-wise string order for astral characters.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// String returns the string at key, or "" when absent or not a string.
func (obj IRObject) String(key string) string {
	s, _ := obj[key].(IRString)
	return string(s)
}

// Object returns the object at key, or nil.
func (obj IRObject) Object(key string) IRObject {
	o, _ := obj[key].(IRObject)
	return o
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// MarshalJSON writes the object with sorted keys. Not canonical: use
// MarshalCanonical when the bytes feed a hash or a source key.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := Marshal(obj[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler.
func (arr IRArray) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := Marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := Unmarshal(data)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := Unmarshal(data)
	if err != nil {
		return err
	}
	a, ok := v.(IRArray)
	if !ok {
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	*arr = a
	return nil
}

// Marshal encodes a value as JSON. Extensions encode as their display
// name when they implement Named, and as null otherwise.
func Marshal(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		return val.MarshalJSON()
	case IRObject:
		return val.MarshalJSON()
	case Named:
		return json.Marshal(val.DisplayName())
	default:
		return []byte("null"), nil
	}
}

// Unmarshal decodes JSON into a value. Null becomes IRNull; fractional
// numbers are rejected.
func Unmarshal(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// FromGo converts decoded Go data (encoding/json, yaml.v3 or plain
// literals) into a value. Integral floats are accepted as IRInt.
func FromGo(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number out of range: %d", val)
		}
		return IRInt(val), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return IRInt(n), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number %s: %w", val, err)
		}
		return fromFloat(f)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			iv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = iv
		}
		return arr, nil
	case []string:
		arr := make(IRArray, len(val))
		for i, s := range val {
			arr[i] = IRString(s)
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			iv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = iv
		}
		return obj, nil
	case map[any]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			ks := fmt.Sprint(k)
			iv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", ks, err)
			}
			obj[ks] = iv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromFloat(f float64) (IRValue, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("fractional numbers are not supported: %v", f)
	}
	return IRInt(int64(f)), nil
}

// ToGo converts a value into plain Go data for encoders that do not know
// about IRValue. Extensions become their display name or nil.
func ToGo(v IRValue) any {
	switch val := v.(type) {
	case nil, IRNull:
		return nil
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	case Named:
		return val.DisplayName()
	default:
		return nil
	}
}
