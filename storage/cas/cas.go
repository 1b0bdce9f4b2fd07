// Package cas implements the local content-addressable store: sharded,
// hash-addressed file storage split into generations. Content enters through
// the Store* methods, is looked up by digest through BlobPath/TreePath, and
// is kept alive across garbage collections by uplinking — every read that
// hits an older generation promotes the entry (for trees, the entire
// reachable closure) into generation 0 before returning.
//
// Objects larger than the batch-transfer limit can be split into
// content-defined chunks; the chunk recipe is kept in a large-object index
// and the object is reassembled by splicing on demand.
package cas

import (
	"errors"
	"fmt"
	"os"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
)

// CAS is the generational content-addressable store below a build root.
type CAS struct {
	cfg  Config
	gens []generation
}

// New opens the store, creating the live generation's directories.
func New(cfg Config) (*CAS, error) {
	c := &CAS{cfg: cfg}
	for g := 0; g < cfg.NumGenerations(); g++ {
		c.gens = append(c.gens, newGeneration(cfg, g))
	}
	if err := os.MkdirAll(cfg.FamilyRoot(0), 0o755); err != nil {
		return nil, fmt.Errorf("creating live generation: %w", err)
	}
	if err := os.MkdirAll(cfg.EphemeralRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("creating ephemeral area: %w", err)
	}
	return c, nil
}

// Hash returns the active hash function.
func (c *CAS) Hash() hashing.Function {
	return c.cfg.Hash
}

// Conf returns the storage context the CAS was opened with.
func (c *CAS) Conf() Config {
	return c.cfg
}

// StoreBlob inserts data and returns its digest. Insertion is idempotent.
func (c *CAS) StoreBlob(data []byte, executable bool) (hashing.Digest, error) {
	d := c.cfg.Hash.HashBlob(data)
	if err := c.gens[0].blobStore(executable).AddFromBytes(d.Hex, data); err != nil {
		return hashing.Digest{}, err
	}
	return d, nil
}

// StoreBlobFile inserts the content of the file at path. With isOwner set
// the file is consumed (moved into the store).
func (c *CAS) StoreBlobFile(path string, executable bool, isOwner bool) (hashing.Digest, error) {
	d, err := c.cfg.Hash.HashBlobFile(path)
	if err != nil {
		return hashing.Digest{}, err
	}
	if err := c.gens[0].blobStore(executable).AddFromFile(d.Hex, path, isOwner); err != nil {
		return hashing.Digest{}, err
	}
	return d, nil
}

// StoreTree inserts a serialized directory object and returns its digest.
func (c *CAS) StoreTree(data []byte) (hashing.Digest, error) {
	d := c.cfg.Hash.HashTree(data)
	if err := c.gens[0].trees.AddFromBytes(d.Hex, data); err != nil {
		return hashing.Digest{}, err
	}
	return d, nil
}

// StoreTreeFile inserts a serialized directory object from a file.
func (c *CAS) StoreTreeFile(path string, isOwner bool) (hashing.Digest, error) {
	d, err := c.cfg.Hash.HashTreeFile(path)
	if err != nil {
		return hashing.Digest{}, err
	}
	if err := c.gens[0].trees.AddFromFile(d.Hex, path, isOwner); err != nil {
		return hashing.Digest{}, err
	}
	return d, nil
}

// BlobPath looks up a blob and returns its generation-0 path. The lookup
// walks the live generation first, then older ones, promoting any hit into
// generation 0. A request for an executable blob that is only stored as a
// regular file (or vice versa) copies the content into the requested area.
// Large blobs known only by their chunk recipe are reassembled by splicing.
func (c *CAS) BlobPath(d hashing.Digest, executable bool) (string, error) {
	if d.IsTree {
		return "", fmt.Errorf("digest %s: tree digest used where a blob is required", d.Short())
	}
	return c.blobPath(d, executable)
}

func (c *CAS) blobPath(d hashing.Digest, executable bool) (string, error) {
	want := c.gens[0].blobStore(executable)

	// Requested area, youngest generation first.
	for g := range c.gens {
		p := c.gens[g].blobStore(executable).ObjectPath(d.Hex)
		if !fileExists(p) {
			continue
		}
		if g == 0 {
			return p, nil
		}
		if err := want.LinkFrom(d.Hex, p); err != nil {
			return "", err
		}
		return want.ObjectPath(d.Hex), nil
	}

	// Other area: same content under the opposite executable bit. The
	// promoted copy gets fresh permissions, so this is a copy, never a
	// hardlink.
	for g := range c.gens {
		p := c.gens[g].blobStore(!executable).ObjectPath(d.Hex)
		if !fileExists(p) {
			continue
		}
		if err := want.AddFromFile(d.Hex, p, false); err != nil {
			return "", err
		}
		return want.ObjectPath(d.Hex), nil
	}

	// Large-object index: reassemble from chunks.
	if p, err := c.reconstruct(d, executable); err == nil {
		return p, nil
	} else if !errors.Is(err, anvil.ErrNotFound) {
		return "", err
	}

	return "", anvil.DigestError{Hex: d.Hex, Err: anvil.ErrNotFound}
}

// TreePath looks up a tree object and returns its generation-0 path. In
// native mode a hit in an older generation promotes the full reachable
// closure, so a promoted tree is never left dangling; in compatible mode trees are plain blobs
// and reachability is the uploader's business.
func (c *CAS) TreePath(d hashing.Digest) (string, error) {
	if !d.IsTree {
		return "", fmt.Errorf("digest %s: blob digest used where a tree is required", d.Short())
	}
	if c.cfg.Hash.Type() == hashing.TypeCompatible {
		blob := d
		blob.IsTree = false
		return c.blobPath(blob, false)
	}

	for g := range c.gens {
		p := c.gens[g].trees.ObjectPath(d.Hex)
		if !fileExists(p) {
			continue
		}
		if g == 0 {
			return p, nil
		}
		if err := c.uplinkTree(d.Hex, p); err != nil {
			return "", err
		}
		return c.gens[0].trees.ObjectPath(d.Hex), nil
	}

	if p, err := c.reconstruct(d, false); err == nil {
		return p, nil
	} else if !errors.Is(err, anvil.ErrNotFound) {
		return "", err
	}

	return "", anvil.DigestError{Hex: d.Hex, Err: anvil.ErrNotFound}
}

// Contains reports whether the digest is recoverable locally, without
// promoting anything.
func (c *CAS) Contains(d hashing.Digest) bool {
	for g := range c.gens {
		if d.IsTree && c.cfg.Hash.Type() == hashing.TypeNative {
			if fileExists(c.gens[g].trees.ObjectPath(d.Hex)) {
				return true
			}
			if fileExists(c.gens[g].largeTrees.ObjectPath(d.Hex)) {
				return true
			}
			continue
		}
		if _, _, ok := c.gens[g].findBlob(d.Hex); ok {
			return true
		}
		if fileExists(c.gens[g].largeFiles.ObjectPath(d.Hex)) {
			return true
		}
	}
	return false
}

// findRaw locates an object in any generation and area without promoting
// it. Used by Split, which only needs to read the content once.
func (c *CAS) findRaw(d hashing.Digest) (string, error) {
	for g := range c.gens {
		if d.IsTree && c.cfg.Hash.Type() == hashing.TypeNative {
			if p := c.gens[g].trees.ObjectPath(d.Hex); fileExists(p) {
				return p, nil
			}
			continue
		}
		if p, _, ok := c.gens[g].findBlob(d.Hex); ok {
			return p, nil
		}
	}
	return "", anvil.DigestError{Hex: d.Hex, Err: anvil.ErrNotFound}
}
