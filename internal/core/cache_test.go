package core

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sampleLayer(key LayerKey) *Layer {
	return &Layer{
		Key:    key,
		Step:   "deps",
		Op:     OpRun,
		Stdout: []byte("Successfully installed fastapi-0.104.1\n"),
		Stderr: []byte{},
		Files: []LayerFile{
			{Path: "app", Kind: KindDir, Mode: 0o755},
			{Path: "app/installed.txt", Kind: KindFile, Mode: 0o644, Content: []byte("fastapi\n")},
			{Path: "app/link", Kind: KindSymlink, Mode: 0o777, Target: "installed.txt"},
			{Path: "app/empty", Kind: KindFile, Mode: 0o600, Content: []byte{}},
		},
		Deleted: []string{"var/lib/apt/lists"},
	}
}

func TestFileCache_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := NewFileCache(dir)
	key := LayerKey("ab" + "cdef0123456789")

	if ok, err := c.Has(ctx, key); err != nil || ok {
		t.Fatalf("Has before Put = %v, %v", ok, err)
	}
	if l, err := c.Get(ctx, key); err != nil || l != nil {
		t.Fatalf("Get before Put = %v, %v", l, err)
	}

	in := sampleLayer(key)
	if err := c.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := c.Has(ctx, key); !ok {
		t.Fatal("expected Has after Put")
	}
	if _, err := os.Stat(filepath.Join(dir, "ab", string(key), "metadata.json")); err != nil {
		t.Fatalf("expected sharded layout: %v", err)
	}

	out, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(out.Files[1].Content) != "fastapi\n" {
		t.Fatalf("blob content mismatch: %q", out.Files[1].Content)
	}
	if out.Files[2].Target != "installed.txt" || out.Files[2].Content != nil {
		t.Fatalf("symlink entry mismatch: %+v", out.Files[2])
	}
	if !reflect.DeepEqual(out.Deleted, in.Deleted) || string(out.Stdout) != string(in.Stdout) {
		t.Fatalf("layer metadata mismatch: %+v", out)
	}
}

func TestFileCache_PutOverwritesAndLeavesNoTempDirs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := NewFileCache(dir)
	key := LayerKey("ffee")

	if err := c.Put(ctx, sampleLayer(key)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	second := sampleLayer(key)
	second.Stdout = []byte("second\n")
	if err := c.Put(ctx, second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := c.Get(ctx, key)
	if string(got.Stdout) != "second\n" {
		t.Fatalf("expected overwrite, got %q", got.Stdout)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "ff"))
	if len(entries) != 1 {
		t.Fatalf("expected only the committed entry, found %d", len(entries))
	}
}

func TestMemoryCache_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	in := sampleLayer("k1")
	if err := c.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	in.Files[1].Content[0] = 'X'

	out, _ := c.Get(ctx, "k1")
	if string(out.Files[1].Content) != "fastapi\n" {
		t.Fatal("cache shares memory with the caller")
	}
	out.Stdout[0] = 'Z'
	again, _ := c.Get(ctx, "k1")
	if again.Stdout[0] == 'Z' {
		t.Fatal("Get returned shared memory")
	}
}

func TestNoCache_NeverHits(t *testing.T) {
	ctx := context.Background()
	var c Cache = NoCache{}
	if err := c.Put(ctx, sampleLayer("k")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := c.Has(ctx, "k"); ok {
		t.Fatal("NoCache must never hit")
	}
}
