package encode

import "testing"

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		buf := PutVarInt(nil, v)
		got, n, err := VarInt(buf)
		if err != nil {
			t.Fatalf("VarInt(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Fatalf("VarInt(%d) = %d, %d; want %d, %d", v, got, n, v, len(buf))
		}
	}
}

func TestVarLongRoundTrip(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -128, 128, -1 << 30} {
		buf := PutVarLong(nil, v)
		got, n, err := VarLong(buf)
		if err != nil {
			t.Fatalf("VarLong(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Fatalf("VarLong(%d) = %d, %d; want %d, %d", v, got, n, v, len(buf))
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	buf := PutString(nil, "hello, world")
	s, n, err := String(buf)
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello, world" || n != len(buf) {
		t.Fatalf("String() = %q, %d; want %q, %d", s, n, "hello, world", len(buf))
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	fields := map[string]string{
		"chunk":   "1",
		"block":   "2",
		"version": "3",
	}
	buf, err := EncodeHeader(fields, 256, DefaultChecksum)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 256 {
		t.Fatalf("len(buf) = %d; want 256", len(buf))
	}

	got, err := DecodeHeader(buf, DefaultChecksum)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range fields {
		if got[k] != v {
			t.Fatalf("field %s = %q; want %q", k, got[k], v)
		}
	}
	if _, ok := got["fletcher"]; !ok {
		t.Fatal("missing fletcher field")
	}
}

func TestHeaderChecksumMismatch(t *testing.T) {
	buf, err := EncodeHeader(map[string]string{"chunk": "1"}, 0, DefaultChecksum)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] = 'x'
	if _, err := DecodeHeader(buf, DefaultChecksum); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestCompressorsRoundTrip(t *testing.T) {
	data := testBytes("the quick brown fox jumps over the lazy dog, repeatedly, repeatedly, repeatedly")
	for _, c := range []Compressor{DefaultCompressor, HighCompressor} {
		packed := c.Compress(nil, data)
		unpacked, err := c.Decompress(nil, packed)
		if err != nil {
			t.Fatal(err)
		}
		if string(unpacked) != string(data) {
			t.Fatalf("round trip mismatch: got %q want %q", unpacked, data)
		}
	}
}

func testBytes(s string) []byte {
	return []byte(s)
}

func TestDataTypes(t *testing.T) {
	var st StringType
	if st.Compare("a", "b") >= 0 {
		t.Fatal("expected a < b")
	}
	buf := st.Write(nil, "abc")
	v, n, err := st.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "abc" || n != len(buf) {
		t.Fatalf("got %v, %d", v, n)
	}

	var bt BytesType
	buf = bt.Write(nil, []byte{1, 2, 3})
	v, _, err = bt.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.([]byte)) != string([]byte{1, 2, 3}) {
		t.Fatalf("got %v", v)
	}
}
