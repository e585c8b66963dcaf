package microtetherdb

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
)

func TestBTreeLayer(t *testing.T) {
	t.Run("should round-trip a put", func(t *testing.T) {
		tr, err := OpenBTreeLayer(NewMemoryBacking(25), 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		if err := tr.Put("k1", []byte("v1")); err != nil {
			t.Fatalf("failed to put: %s", err)
		}
		got, ok, err := tr.Get("k1")
		if err != nil {
			t.Fatalf("failed to get: %s", err)
		}
		if !ok {
			t.Fatalf("expected key to exist")
		}
		if !bytes.Equal(got, []byte("v1")) {
			t.Fatalf("got %q, want %q", got, "v1")
		}
	})

	t.Run("put should overwrite", func(t *testing.T) {
		tr, err := OpenBTreeLayer(NewMemoryBacking(25), 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		_ = tr.Put("k1", []byte("v1"))
		_ = tr.Put("k1", []byte("v2"))
		got, _, _ := tr.Get("k1")
		if !bytes.Equal(got, []byte("v2")) {
			t.Fatalf("got %q, want %q", got, "v2")
		}
	})

	t.Run("delete should be idempotent", func(t *testing.T) {
		tr, err := OpenBTreeLayer(NewMemoryBacking(25), 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		_ = tr.Put("k1", []byte("v1"))

		existed, err := tr.Delete("k1")
		if err != nil || !existed {
			t.Fatalf("expected first delete to report existed=true, err=nil; got existed=%v err=%v", existed, err)
		}
		existed, err = tr.Delete("k1")
		if err != nil || existed {
			t.Fatalf("expected second delete to report existed=false, err=nil; got existed=%v err=%v", existed, err)
		}
	})

	t.Run("put rejects the empty key", func(t *testing.T) {
		tr, err := OpenBTreeLayer(NewMemoryBacking(25), 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		if err := tr.Put("", []byte("v")); err != ErrInvalidKey {
			t.Fatalf("got %v, want ErrInvalidKey", err)
		}
	})

	t.Run("iter should visit keys in ascending order", func(t *testing.T) {
		tr, err := OpenBTreeLayer(NewMemoryBacking(25), 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		for _, k := range []string{"c", "a", "b"} {
			_ = tr.Put(k, []byte(k))
		}

		var seen []string
		err = tr.Iter(Range{}, func(kv KV) (bool, error) {
			seen = append(seen, kv.Key)
			return true, nil
		})
		if err != nil {
			t.Fatalf("failed to iterate: %s", err)
		}
		want := []string{"a", "b", "c"}
		for i, k := range want {
			if seen[i] != k {
				t.Fatalf("got order %v, want %v", seen, want)
			}
		}
	})

	t.Run("iter should respect a prefix range", func(t *testing.T) {
		tr, err := OpenBTreeLayer(NewMemoryBacking(25), 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		for _, k := range []string{"a:1", "a:2", "b:1"} {
			_ = tr.Put(k, []byte(k))
		}

		var seen []string
		err = tr.Iter(PrefixRange("a:"), func(kv KV) (bool, error) {
			seen = append(seen, kv.Key)
			return true, nil
		})
		if err != nil {
			t.Fatalf("failed to iterate: %s", err)
		}
		if len(seen) != 2 {
			t.Fatalf("got %d keys, want 2: %v", len(seen), seen)
		}
	})

	t.Run("should survive a restart over a file backing", func(t *testing.T) {
		dir := t.TempDir()
		path := dir + "/btree.db"

		fb, err := NewFileBacking(path)
		if err != nil {
			t.Fatalf("failed to open backing: %s", err)
		}
		tr, err := OpenBTreeLayer(fb, 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		if err := tr.Put("k", []byte("v")); err != nil {
			t.Fatalf("failed to put: %s", err)
		}
		if err := tr.Flush(); err != nil {
			t.Fatalf("failed to flush: %s", err)
		}
		if err := tr.Close(); err != nil {
			t.Fatalf("failed to close: %s", err)
		}

		fb2, err := NewFileBacking(path)
		if err != nil {
			t.Fatalf("failed to reopen backing: %s", err)
		}
		tr2, err := OpenBTreeLayer(fb2, 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to reopen btree layer: %s", err)
		}
		defer tr2.Close()

		got, ok, err := tr2.Get("k")
		if err != nil {
			t.Fatalf("failed to get: %s", err)
		}
		if !ok || !bytes.Equal(got, []byte("v")) {
			t.Fatalf("got ok=%v value=%q, want ok=true value=%q", ok, got, "v")
		}
	})

	t.Run("flush should compact once dead space passes 50 percent", func(t *testing.T) {
		tr, err := OpenBTreeLayer(NewMemoryBacking(25), 512, 32, zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open btree layer: %s", err)
		}
		for i := 0; i < 10; i++ {
			if err := tr.Put("k", []byte("v")); err != nil {
				t.Fatalf("failed to put: %s", err)
			}
		}
		if err := tr.Flush(); err != nil {
			t.Fatalf("failed to flush: %s", err)
		}
		if tr.deadN != 0 {
			t.Fatalf("expected compaction to zero out dead space, got deadN=%d", tr.deadN)
		}
		got, ok, err := tr.Get("k")
		if err != nil || !ok || !bytes.Equal(got, []byte("v")) {
			t.Fatalf("got ok=%v value=%q err=%v, want ok=true value=%q err=nil", ok, got, err, "v")
		}
	})
}
