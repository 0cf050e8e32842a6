package encode

import "bytes"

// DataType is the polymorphic capability set a map's keys and values are
// stored through: compare, size estimate, write, read. Any type used as
// a map key must produce a total order from Compare that agrees with
// the map's rank-based navigation (GetKey/GetKeyIndex).
type DataType interface {
	Compare(a, b interface{}) int
	MemorySize(v interface{}) int
	Write(buf []byte, v interface{}) []byte
	Read(buf []byte) (interface{}, int, error)
}

// StringType stores Go strings as length-prefixed UTF-8.
type StringType struct{}

func (StringType) Compare(a, b interface{}) int {
	sa, sb := a.(string), b.(string)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func (StringType) MemorySize(v interface{}) int {
	return len(v.(string)) + 24
}

func (StringType) Write(buf []byte, v interface{}) []byte {
	return PutString(buf, v.(string))
}

func (StringType) Read(buf []byte) (interface{}, int, error) {
	return String(buf)
}

// BytesType stores raw byte slices, compared lexicographically.
type BytesType struct{}

func (BytesType) Compare(a, b interface{}) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

func (BytesType) MemorySize(v interface{}) int {
	return len(v.([]byte)) + 24
}

func (BytesType) Write(buf []byte, v interface{}) []byte {
	return PutBytes(buf, v.([]byte))
}

func (BytesType) Read(buf []byte) (interface{}, int, error) {
	b, n, err := Bytes(buf)
	if err != nil {
		return nil, 0, err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, n, nil
}

// FixedArrayType stores a fixed-length array of values of a single
// element DataType, compared element by element.
type FixedArrayType struct {
	Elem DataType
	Len  int
}

func (t FixedArrayType) Compare(a, b interface{}) int {
	aa, ba := a.([]interface{}), b.([]interface{})
	for i := 0; i < t.Len; i++ {
		if c := t.Elem.Compare(aa[i], ba[i]); c != 0 {
			return c
		}
	}
	return 0
}

func (t FixedArrayType) MemorySize(v interface{}) int {
	size := 16
	for _, e := range v.([]interface{}) {
		size += t.Elem.MemorySize(e)
	}
	return size
}

func (t FixedArrayType) Write(buf []byte, v interface{}) []byte {
	for _, e := range v.([]interface{}) {
		buf = t.Elem.Write(buf, e)
	}
	return buf
}

func (t FixedArrayType) Read(buf []byte) (interface{}, int, error) {
	vals := make([]interface{}, t.Len)
	total := 0
	for i := 0; i < t.Len; i++ {
		v, n, err := t.Elem.Read(buf[total:])
		if err != nil {
			return nil, 0, err
		}
		vals[i] = v
		total += n
	}
	return vals, total, nil
}
