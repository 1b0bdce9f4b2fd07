// Package actioncache maps action fingerprints to cached action results.
// The cache is a LastWins file store sharded like the CAS and follows the
// same generational discipline: hits in older generations are promoted to
// generation 0. An entry is only as good as the CAS content it references;
// Get does not re-validate reachability — callers do, implicitly, by
// requesting the outputs.
package actioncache

import (
	"os"
	"path/filepath"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/cas"
	"github.com/anvilbuild/anvil/storage/filestore"
)

// Cache is the local action cache.
type Cache struct {
	stores []*filestore.Store
}

// New opens the action cache below the build root described by cfg.
func New(cfg cas.Config) *Cache {
	c := &Cache{}
	for g := 0; g < cfg.NumGenerations(); g++ {
		root := filepath.Join(cfg.FamilyRoot(g), "ac")
		c.stores = append(c.stores, filestore.New(root, filestore.LastWins, false))
	}
	return c
}

// Get returns the cached result for the action fingerprint, promoting the
// entry on an old-generation hit. A miss is anvil.ErrNotFound.
func (c *Cache) Get(fingerprint hashing.Digest) (*pb.ActionResult, error) {
	for g, st := range c.stores {
		p := st.ObjectPath(fingerprint.Hex)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if g > 0 {
			if err := c.stores[0].LinkFrom(fingerprint.Hex, p); err != nil {
				return nil, err
			}
		}
		result := &pb.ActionResult{}
		if err := proto.Unmarshal(data, result); err != nil {
			// A malformed entry is useless; drop it and report a miss.
			os.Remove(p)
			continue
		}
		return result, nil
	}
	return nil, anvil.DigestError{Hex: fingerprint.Hex, Err: anvil.ErrNotFound}
}

// Put records the result under the action fingerprint.
func (c *Cache) Put(fingerprint hashing.Digest, result *pb.ActionResult) error {
	data, err := proto.Marshal(result)
	if err != nil {
		return err
	}
	return c.stores[0].AddFromBytes(fingerprint.Hex, data)
}
