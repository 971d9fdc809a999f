// Package amf implements the AMF0 subset carried by FLV script data:
// numbers, booleans, strings, objects, ECMA and strict arrays, dates and
// null/undefined. Documents preserve key order so re-encoded metadata keeps
// the layout players expect, and all sizes are deterministic so script tags
// can be patched in place without shifting file contents.
package amf

// Value is one AMF0 value. The kind set is closed.
type Value interface {
	value()
}

// Number is the AMF0 number type (IEEE-754 double).
type Number float64

// Bool is the AMF0 boolean type.
type Bool bool

// String is the AMF0 string type. Strings longer than 65535 bytes encode
// with the long-string marker automatically.
type String string

// Array is the AMF0 strict array type.
type Array []Value

// Date is the AMF0 date type: milliseconds since epoch plus a time-zone
// offset that the format reserves but players ignore.
type Date struct {
	Ms     float64
	Offset int16
}

// Null is the AMF0 null type.
type Null struct{}

// Undefined is the AMF0 undefined type. It decodes and re-encodes as
// itself so untouched metadata round-trips byte for byte.
type Undefined struct{}

// Pair is one key-value entry of an Object, in document order.
type Pair struct {
	Key   string
	Value Value
}

// Object is the AMF0 object and ECMA-array type. ECMA controls which
// marker it encodes with; both forms carry ordered key-value pairs.
type Object struct {
	ECMA  bool
	Pairs []Pair
}

func (Number) value()    {}
func (Bool) value()      {}
func (String) value()    {}
func (Array) value()     {}
func (Date) value()      {}
func (Null) value()      {}
func (Undefined) value() {}
func (*Object) value()   {}

// NewObject returns an empty document. ECMA-array form is the onMetaData
// convention.
func NewObject(ecma bool) *Object {
	return &Object{ECMA: ecma}
}

// Get returns the value for key and whether it is present.
func (o *Object) Get(key string) (Value, bool) {
	for _, p := range o.Pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Set replaces the value for key in place, or appends the pair when the
// key is new. Document order of existing keys is preserved.
func (o *Object) Set(key string, v Value) {
	for i, p := range o.Pairs {
		if p.Key == key {
			o.Pairs[i].Value = v
			return
		}
	}
	o.Pairs = append(o.Pairs, Pair{Key: key, Value: v})
}

// Delete removes key and reports whether it was present.
func (o *Object) Delete(key string) bool {
	for i, p := range o.Pairs {
		if p.Key == key {
			o.Pairs = append(o.Pairs[:i], o.Pairs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (o *Object) Len() int { return len(o.Pairs) }

// NumberAt returns the numeric value for key when present and numeric.
func (o *Object) NumberAt(key string) (float64, bool) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(Number)
	return float64(n), ok
}

// ValueSize returns the encoded size of v in bytes, marker included.
func ValueSize(v Value) int64 {
	switch t := v.(type) {
	case Number:
		return 1 + 8
	case Bool:
		return 1 + 1
	case String:
		if len(t) > shortStringMax {
			return 1 + 4 + int64(len(t))
		}
		return 1 + 2 + int64(len(t))
	case Array:
		n := int64(1 + 4)
		for _, e := range t {
			n += ValueSize(e)
		}
		return n
	case Date:
		return 1 + 8 + 2
	case Null, Undefined:
		return 1
	case *Object:
		n := int64(1)
		if t.ECMA {
			n += 4
		}
		for _, p := range t.Pairs {
			n += 2 + int64(len(p.Key)) + ValueSize(p.Value)
		}
		return n + 3 // empty key + object-end marker
	default:
		return 0
	}
}

// BodySize returns the encoded size of a complete script tag body: the
// name string followed by the document value.
func BodySize(name string, v Value) int64 {
	return ValueSize(String(name)) + ValueSize(v)
}
