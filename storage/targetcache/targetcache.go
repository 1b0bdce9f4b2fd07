// Package targetcache caches analysed-and-built target results per backend.
// Entries are keyed by (repository, target, effective configuration) and
// sharded by a backend description hash, so results obtained against
// different remote endpoints or platform properties never mix. Values name
// the target's output artifacts by digest plus a taintedness flag.
package targetcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/cas"
	"github.com/anvilbuild/anvil/storage/filestore"
)

// Backend describes the execution backend a cached result was obtained on.
type Backend struct {
	RemoteAddress      string            `json:"remote_address"`
	PlatformProperties map[string]string `json:"platform_properties"`
}

// Hash returns the shard for this backend: the SHA-256 of its canonical
// JSON form (sorted keys, no insignificant whitespace).
func (b Backend) Hash() string {
	type kv struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	props := make([]kv, 0, len(b.PlatformProperties))
	for k, v := range b.PlatformProperties {
		props = append(props, kv{Key: k, Value: v})
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })

	canonical, _ := json.Marshal(struct {
		RemoteAddress      string `json:"remote_address"`
		PlatformProperties []kv   `json:"platform_properties"`
	}{b.RemoteAddress, props})
	return digest.SHA256.FromBytes(canonical).Encoded()
}

// Key identifies a target result: repository key, named target and the
// effective configuration it was analysed under.
type Key struct {
	RepoKey string          `json:"repo_key"`
	Target  string          `json:"target"`
	Config  json.RawMessage `json:"config"`
}

// Entry is a cached target result.
type Entry struct {
	Artifacts map[string]Artifact `json:"artifacts"`
	Tainted   bool                `json:"tainted,omitempty"`
}

// Artifact is one known output with its digest and type.
type Artifact struct {
	Hex    string `json:"hex"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
	Failed bool   `json:"failed,omitempty"`
}

// Cache is the backend-sharded target cache.
type Cache struct {
	hash   hashing.Function
	stores []*filestore.Store
}

// New opens the target cache for the given backend shard.
func New(cfg cas.Config, backend Backend) *Cache {
	shard := backend.Hash()
	c := &Cache{hash: cfg.Hash}
	for g := 0; g < cfg.NumGenerations(); g++ {
		root := filepath.Join(cfg.FamilyRoot(g), "tc", shard)
		c.stores = append(c.stores, filestore.New(root, filestore.LastWins, false))
	}
	return c
}

// Fingerprint reduces a key to the digest the cache stores under.
func (c *Cache) Fingerprint(key Key) (hashing.Digest, error) {
	canonical, err := json.Marshal(key)
	if err != nil {
		return hashing.Digest{}, err
	}
	return hashing.Digest{Hex: c.hash.HashPlain(canonical), Size: int64(len(canonical))}, nil
}

// Get returns the cached entry for key, promoting old-generation hits.
func (c *Cache) Get(key Key) (*Entry, error) {
	fp, err := c.Fingerprint(key)
	if err != nil {
		return nil, err
	}
	for g, st := range c.stores {
		p := st.ObjectPath(fp.Hex)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if g > 0 {
			if err := c.stores[0].LinkFrom(fp.Hex, p); err != nil {
				return nil, err
			}
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			os.Remove(p)
			continue
		}
		return &entry, nil
	}
	return nil, anvil.DigestError{Hex: fp.Hex, Err: anvil.ErrNotFound}
}

// Put records the entry for key.
func (c *Cache) Put(key Key, entry *Entry) error {
	fp, err := c.Fingerprint(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.stores[0].AddFromBytes(fp.Hex, data)
}
