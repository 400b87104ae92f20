// Package wire defines the SimpleTunnel message dictionary: a tagged-union
// value type, typed accessors enforcing the key-to-kind table, and the
// length-prefixed frame codec used to put a message on the wire.
package wire

// Kind identifies which alternative of Value is populated.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindBytes
	KindList
	KindIntList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindIntList:
		return "int-list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a polymorphic wire value: exactly one of the fields indicated by
// Kind is meaningful. Fields are exported so the gob codec in codec.go can
// serialize them without custom (de)serialization hooks.
type Value struct {
	Kind Kind

	I    int64
	S    string
	B    []byte
	L    []Value
	Ints []int64
	M    map[string]Value
}

func IntValue(i int64) Value                   { return Value{Kind: KindInt, I: i} }
func StringValue(s string) Value               { return Value{Kind: KindString, S: s} }
func BytesValue(b []byte) Value                { return Value{Kind: KindBytes, B: b} }
func ListValue(l []Value) Value                { return Value{Kind: KindList, L: l} }
func IntListValue(ints []int64) Value          { return Value{Kind: KindIntList, Ints: ints} }
func MapValue(m map[string]Value) Value        { return Value{Kind: KindMap, M: m} }

// Int returns the integer alternative, if populated.
func (v Value) Int() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I, true
}

// Str returns the string alternative, if populated.
func (v Value) Str() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

// Bytes returns the byte-string alternative, if populated.
func (v Value) Bytes() ([]byte, bool) {
	if v.Kind != KindBytes {
		return nil, false
	}
	return v.B, true
}

// List returns the list-of-Value alternative, if populated.
func (v Value) List() ([]Value, bool) {
	if v.Kind != KindList {
		return nil, false
	}
	return v.L, true
}

// IntList returns the list-of-integer alternative, if populated.
func (v Value) IntList() ([]int64, bool) {
	if v.Kind != KindIntList {
		return nil, false
	}
	return v.Ints, true
}

// Map returns the nested-dictionary alternative, if populated.
func (v Value) Map() (map[string]Value, bool) {
	if v.Kind != KindMap {
		return nil, false
	}
	return v.M, true
}
