package cas

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	chunk "github.com/ipfs/go-ipfs-chunker"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/uuid"
	"github.com/anvilbuild/anvil/storage/filestore"
)

// A large-object index entry records how to rebuild an object from chunks:
// the ordered list of chunk digests whose concatenation is the object.
type recipe struct {
	Chunks []recipeChunk `json:"chunks"`
}

type recipeChunk struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

func (c *CAS) largeIndex(g int, isTree bool) *filestore.Store {
	if isTree {
		return c.gens[g].largeTrees
	}
	return c.gens[g].largeFiles
}

// Split chunks the object identified by d with a content-defined chunker,
// stores every chunk as an ordinary blob, records the recipe in the
// large-object index and returns the chunk digests in order. Splitting is
// lazy: repeated calls return the recorded recipe.
func (c *CAS) Split(d hashing.Digest) ([]hashing.Digest, error) {
	if chunks, err := c.recordedChunks(d); err == nil {
		return chunks, nil
	} else if !errors.Is(err, anvil.ErrNotFound) {
		return nil, err
	}

	src, err := c.findRaw(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rec recipe
	var chunks []hashing.Digest
	splitter := chunk.NewBuzhash(f)
	for {
		data, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		cd, err := c.StoreBlob(data, false)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, cd)
		rec.Chunks = append(rec.Chunks, recipeChunk{Hash: cd.Hex, Size: cd.Size})
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := c.largeIndex(0, d.IsTree).AddFromBytes(d.Hex, encoded); err != nil {
		return nil, err
	}
	return chunks, nil
}

// Splice concatenates the chunk contents in order, verifies the result
// digests to d and moves it into the store. A digest mismatch is store
// corruption: the recorded recipe (if any) is dropped and ErrSpliceMismatch
// returned.
func (c *CAS) Splice(d hashing.Digest, chunks []hashing.Digest) (hashing.Digest, error) {
	if _, err := c.spliceInto(d, chunks); err != nil {
		return hashing.Digest{}, err
	}
	return d, nil
}

func (c *CAS) spliceInto(d hashing.Digest, chunks []hashing.Digest) (string, error) {
	paths := make([]string, len(chunks))
	var total int64
	for i, ch := range chunks {
		p, err := c.blobPath(ch, false)
		if err != nil {
			return "", fmt.Errorf("%w: chunk %s", anvil.ErrInvalidTree, ch.Short())
		}
		info, err := os.Stat(p)
		if err != nil {
			return "", err
		}
		paths[i] = p
		total += info.Size()
	}

	dir := c.cfg.TempWorkspace("splice", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	tmp := filepath.Join(dir, "result")
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}

	var h *hashing.Hasher
	if d.IsTree {
		h = c.cfg.Hash.StartTree(total)
	} else {
		h = c.cfg.Hash.StartBlob(total)
	}
	w := io.MultiWriter(out, h)
	for _, p := range paths {
		in, err := os.Open(p)
		if err != nil {
			out.Close()
			return "", err
		}
		_, err = io.Copy(w, in)
		in.Close()
		if err != nil {
			out.Close()
			return "", err
		}
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if got := h.Sum(); got.Hex != d.Hex {
		c.dropRecipe(d)
		return "", anvil.DigestError{Hex: d.Hex, Err: anvil.ErrSpliceMismatch}
	}

	if d.IsTree && c.cfg.Hash.Type() == hashing.TypeNative {
		if err := c.gens[0].trees.AddFromFile(d.Hex, tmp, true); err != nil {
			return "", err
		}
		return c.gens[0].trees.ObjectPath(d.Hex), nil
	}
	if err := c.gens[0].files.AddFromFile(d.Hex, tmp, true); err != nil {
		return "", err
	}
	return c.gens[0].files.ObjectPath(d.Hex), nil
}

// recordedChunks returns the recipe of d from the large-object index,
// promoting it to generation 0 on an old-generation hit.
func (c *CAS) recordedChunks(d hashing.Digest) ([]hashing.Digest, error) {
	for g := range c.gens {
		idx := c.largeIndex(g, d.IsTree)
		p := idx.ObjectPath(d.Hex)
		if !fileExists(p) {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var rec recipe
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%w: malformed recipe for %s", anvil.ErrInvalidTree, d.Short())
		}
		if g > 0 {
			if err := c.largeIndex(0, d.IsTree).LinkFrom(d.Hex, p); err != nil {
				return nil, err
			}
		}
		chunks := make([]hashing.Digest, 0, len(rec.Chunks))
		for _, rc := range rec.Chunks {
			chunks = append(chunks, hashing.Digest{Hex: rc.Hash, Size: rc.Size})
		}
		return chunks, nil
	}
	return nil, anvil.DigestError{Hex: d.Hex, Err: anvil.ErrNotFound}
}

// reconstruct rebuilds a missing object from its recorded recipe.
func (c *CAS) reconstruct(d hashing.Digest, executable bool) (string, error) {
	chunks, err := c.recordedChunks(d)
	if err != nil {
		return "", err
	}
	p, err := c.spliceInto(d, chunks)
	if err != nil {
		return "", err
	}
	if executable {
		// Spliced content lands in the regular-file area; a second
		// lookup promotes it under the requested bit.
		return c.blobPath(d, true)
	}
	return p, nil
}

// dropRecipe removes the recipe of d from every generation.
func (c *CAS) dropRecipe(d hashing.Digest) {
	for g := range c.gens {
		os.Remove(c.largeIndex(g, d.IsTree).ObjectPath(d.Hex))
	}
}
