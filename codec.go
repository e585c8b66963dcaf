package microtetherdb

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/snappy"
)

// Flag bytes prefixing every encoded value, marking whether the payload
// that follows is snappy-compressed. This is the scheme used by the
// Python implementation this store was distilled from (a 1-byte
// compressed/raw marker ahead of the JSON payload), with snappy standing
// in for its uzlib.
const (
	flagRaw        byte = 0x00
	flagCompressed byte = 0x01
)

// encodeDocument marshals d to JSON, optionally snappy-compresses it, and
// prefixes the result with a flag byte. It fails with ErrEncoding if d is
// not JSON-representable and ErrTooLarge if the JSON form (before
// compression) exceeds MaxDocumentSize.
func encodeDocument(d Document, compress bool, minCompressSize int) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if len(raw) > MaxDocumentSize {
		return nil, ErrTooLarge
	}

	if compress && len(raw) >= minCompressSize {
		compressed := snappy.Encode(nil, raw)
		if len(compressed) < len(raw) {
			out := make([]byte, 0, len(compressed)+1)
			out = append(out, flagCompressed)
			out = append(out, compressed...)
			return out, nil
		}
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, flagRaw)
	out = append(out, raw...)
	return out, nil
}

// decodeDocument reverses encodeDocument.
func decodeDocument(b []byte) (Document, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrCorrupt)
	}

	flag, payload := b[0], b[1:]
	var raw []byte
	switch flag {
	case flagRaw:
		raw = payload
	case flagCompressed:
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress record: %v", ErrCorrupt, err)
		}
		raw = decoded
	default:
		return nil, fmt.Errorf("%w: unknown record flag byte %#x", ErrCorrupt, flag)
	}

	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: decode document: %v", ErrCorrupt, err)
	}
	return d, nil
}

// fieldValue resolves a dot-separated path ("a.b.c") against a document,
// returning (nil, false) if any segment is absent or not traversable.
func fieldValue(d Document, path string) (any, bool) {
	if !strings.Contains(path, ".") {
		v, ok := d[path]
		return v, ok
	}

	parts := strings.Split(path, ".")
	var cur any = d
	for _, part := range parts {
		m, ok := cur.(Document)
		if !ok {
			if asMap, ok2 := cur.(map[string]any); ok2 {
				m = Document(asMap)
			} else {
				return nil, false
			}
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
