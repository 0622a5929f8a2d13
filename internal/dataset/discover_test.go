package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %d", len(want), len(shards))
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverFilesPrefersUncompressed(t *testing.T) {
	dir := t.TempDir()
	raw := RawDir(dir)
	mustWrite(t, filepath.Join(raw, "train-images-idx3-ubyte.gz"))
	mustWrite(t, filepath.Join(raw, "train-images-idx3-ubyte"))
	mustWrite(t, filepath.Join(raw, "t10k-labels-idx1-ubyte.gz"))
	mustWrite(t, filepath.Join(raw, "README"))

	found, err := DiscoverFiles(dir)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 stems, got %v", found)
	}
	if got := found["train-images-idx3-ubyte"]; got != filepath.Join(raw, "train-images-idx3-ubyte") {
		t.Fatalf("expected uncompressed file, got %s", got)
	}
	if got := found["t10k-labels-idx1-ubyte"]; got != filepath.Join(raw, "t10k-labels-idx1-ubyte.gz") {
		t.Fatalf("unexpected label path %s", got)
	}
}

func TestDiscoverFilesMissingRoot(t *testing.T) {
	found, err := DiscoverFiles(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected nothing, got %v", found)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
