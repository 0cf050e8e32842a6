package encode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxHeaderLength is the largest encoded size, in bytes, of a store or
// chunk header, including the checksum field and trailing newline.
const MaxHeaderLength = 1024

// EncodeHeader renders fields as comma-separated ASCII "key=value" pairs
// in sorted key order, terminated by '\n' and space-padded to blockLen
// (no padding when blockLen is 0). Any "fletcher" entry is deleted from
// fields; when sum is non-nil, a "fletcher" field holding sum over the
// rest of the line is appended as the last pair.
func EncodeHeader(fields map[string]string, blockLen int, sum Checksum) ([]byte, error) {
	delete(fields, "fletcher")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fields[k])
	}

	body := sb.String()
	if sum != nil {
		check := sum.Sum32([]byte(body))
		if body != "" {
			body += ","
		}
		body += fmt.Sprintf("fletcher=%08x", check)
	}
	body += "\n"

	if len(body) > MaxHeaderLength {
		return nil, fmt.Errorf("encode: header too long: %d bytes", len(body))
	}
	if blockLen > 0 {
		if len(body) > blockLen {
			return nil, fmt.Errorf("encode: header does not fit in %d bytes", blockLen)
		}
		buf := make([]byte, blockLen)
		for i := range buf {
			buf[i] = ' '
		}
		copy(buf, body)
		return buf, nil
	}
	return []byte(body), nil
}

// DecodeHeader parses a header previously produced by EncodeHeader,
// verifying the embedded checksum when sum is non-nil. Trailing padding
// (spaces and NUL bytes, which a partially-written block may contain) is
// ignored.
func DecodeHeader(buf []byte, sum Checksum) (map[string]string, error) {
	end := -1
	for i, b := range buf {
		if b == '\n' {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("encode: header has no terminator")
	}
	line := string(buf[:end])

	fields := map[string]string{}
	if line != "" {
		for _, pair := range strings.Split(line, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				return nil, fmt.Errorf("encode: malformed header field %q", pair)
			}
			fields[kv[0]] = kv[1]
		}
	}

	if sum != nil {
		want, ok := fields["fletcher"]
		if !ok {
			return nil, fmt.Errorf("encode: header missing checksum")
		}
		var body string
		if idx := strings.Index(line, ",fletcher="); idx >= 0 {
			body = line[:idx]
		} else if strings.HasPrefix(line, "fletcher=") {
			body = ""
		} else {
			return nil, fmt.Errorf("encode: malformed checksum field")
		}
		got := fmt.Sprintf("%08x", sum.Sum32([]byte(body)))
		if got != want {
			return nil, fmt.Errorf("encode: header checksum mismatch: got %s want %s", got, want)
		}
	}
	return fields, nil
}

// FieldInt parses a required integer header field.
func FieldInt(fields map[string]string, name string) (int64, error) {
	s, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("encode: header missing field %q", name)
	}
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("encode: header field %q: %w", name, err)
	}
	return v, nil
}

// FieldIntDefault parses an optional integer header field.
func FieldIntDefault(fields map[string]string, name string, def int64) int64 {
	v, err := FieldInt(fields, name)
	if err != nil {
		return def
	}
	return v
}

// PutFieldInt sets an integer header field in hex, matching the
// teacher's terse ASCII-header convention.
func PutFieldInt(fields map[string]string, name string, v int64) {
	fields[name] = strconv.FormatInt(v, 16)
}
