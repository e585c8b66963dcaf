package microtetherdb

import (
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecodeDocument(t *testing.T) {
	t.Run("should round-trip a document", func(t *testing.T) {
		d := Document{"name": "John", "age": float64(30)}
		enc, err := encodeDocument(d, true, 256)
		if err != nil {
			t.Fatalf("failed to encode: %s", err)
		}
		got, err := decodeDocument(enc)
		if err != nil {
			t.Fatalf("failed to decode: %s", err)
		}
		if !reflect.DeepEqual(got, d) {
			t.Fatalf("got %v, want %v", got, d)
		}
	})

	t.Run("should reject documents over the size ceiling", func(t *testing.T) {
		big := strings.Repeat("x", MaxDocumentSize+1)
		_, err := encodeDocument(Document{"s": big}, true, 256)
		if err != ErrTooLarge {
			t.Fatalf("got %v, want ErrTooLarge", err)
		}
	})

	t.Run("should compress large compressible documents", func(t *testing.T) {
		big := strings.Repeat("aaaaaaaaaa", 200)
		enc, err := encodeDocument(Document{"s": big}, true, 256)
		if err != nil {
			t.Fatalf("failed to encode: %s", err)
		}
		if enc[0] != flagCompressed {
			t.Fatalf("expected the compressed flag, got %#x", enc[0])
		}
		got, err := decodeDocument(enc)
		if err != nil {
			t.Fatalf("failed to decode: %s", err)
		}
		if got["s"] != big {
			t.Fatalf("round-tripped value did not match")
		}
	})

	t.Run("should skip compression below the floor", func(t *testing.T) {
		enc, err := encodeDocument(Document{"a": 1}, true, 256)
		if err != nil {
			t.Fatalf("failed to encode: %s", err)
		}
		if enc[0] != flagRaw {
			t.Fatalf("expected the raw flag for a short document, got %#x", enc[0])
		}
	})
}

func TestFieldValue(t *testing.T) {
	t.Run("should resolve a top-level field", func(t *testing.T) {
		v, ok := fieldValue(Document{"a": 1}, "a")
		if !ok || v != 1 {
			t.Fatalf("got v=%v ok=%v, want v=1 ok=true", v, ok)
		}
	})

	t.Run("should resolve a dotted path", func(t *testing.T) {
		d := Document{"a": map[string]any{"b": map[string]any{"c": "deep"}}}
		v, ok := fieldValue(d, "a.b.c")
		if !ok || v != "deep" {
			t.Fatalf("got v=%v ok=%v, want v=deep ok=true", v, ok)
		}
	})

	t.Run("should report absence for a missing path segment", func(t *testing.T) {
		d := Document{"a": map[string]any{"b": 1}}
		_, ok := fieldValue(d, "a.x.y")
		if ok {
			t.Fatalf("expected ok=false for a missing path")
		}
	})
}
