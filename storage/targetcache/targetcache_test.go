package targetcache

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/cas"
)

func newTestCache(t *testing.T, backend Backend) *Cache {
	t.Helper()
	cfg := cas.Config{
		BuildRoot:   t.TempDir(),
		Hash:        hashing.New(hashing.TypeNative),
		Generations: 2,
	}
	return New(cfg, backend)
}

func TestBackendHashIsCanonical(t *testing.T) {
	a := Backend{
		RemoteAddress:      "cache.example:8980",
		PlatformProperties: map[string]string{"os": "linux", "arch": "x86_64"},
	}
	b := Backend{
		RemoteAddress:      "cache.example:8980",
		PlatformProperties: map[string]string{"arch": "x86_64", "os": "linux"},
	}
	if a.Hash() != b.Hash() {
		t.Fatal("property order must not change the backend hash")
	}
	c := Backend{RemoteAddress: "other.example:8980", PlatformProperties: a.PlatformProperties}
	if a.Hash() == c.Hash() {
		t.Fatal("different endpoints must shard differently")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cache := newTestCache(t, Backend{RemoteAddress: "local"})
	key := Key{
		RepoKey: "repo-hash",
		Target:  `["@","base","","target"]`,
		Config:  json.RawMessage(`{"OS":"linux"}`),
	}
	entry := &Entry{
		Artifacts: map[string]Artifact{
			"bin/tool": {Hex: "ab12", Size: 10, Type: "x"},
		},
	}
	if err := cache.Put(key, entry); err != nil {
		t.Fatal(err)
	}
	got, err := cache.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tainted {
		t.Fatal("entry not stored as untainted")
	}
	a, ok := got.Artifacts["bin/tool"]
	if !ok || a.Hex != "ab12" || a.Type != "x" {
		t.Fatalf("artifacts %+v", got.Artifacts)
	}
}

func TestGetMissIsNotFound(t *testing.T) {
	cache := newTestCache(t, Backend{})
	key := Key{RepoKey: "r", Target: "t", Config: json.RawMessage(`{}`)}
	if _, err := cache.Get(key); !errors.Is(err, anvil.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDifferentConfigsDifferentEntries(t *testing.T) {
	cache := newTestCache(t, Backend{})
	base := Key{RepoKey: "r", Target: "t", Config: json.RawMessage(`{"OS":"linux"}`)}
	other := Key{RepoKey: "r", Target: "t", Config: json.RawMessage(`{"OS":"darwin"}`)}

	if err := cache.Put(base, &Entry{Tainted: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Get(other); !errors.Is(err, anvil.ErrNotFound) {
		t.Fatal("config must be part of the key")
	}
}
