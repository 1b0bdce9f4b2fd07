// Package hashing implements the two hash families of the build tool and the
// digest value type shared by every store and execution backend.
//
// In native mode objects are hashed the way Git hashes them: blobs and trees
// are prefixed with the Git object header ("blob <n>\0", "tree <n>\0") before
// SHA-1 is applied, and internal keys use raw SHA-1. In compatible mode both
// blobs and trees are plain SHA-256 of the payload, which is what the remote
// execution protocol expects. The family is chosen once at startup and
// threaded through explicitly; storage layouts and cache shards depend on it.
package hashing

import (
	"crypto"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/go-git/go-git/v5/plumbing"
	githash "github.com/go-git/go-git/v5/plumbing/hash"
	"github.com/opencontainers/go-digest"
)

// Type selects the process-wide hash family.
type Type int

const (
	// TypeNative hashes objects as Git does: typed framing plus SHA-1.
	TypeNative Type = iota
	// TypeCompatible hashes objects with plain SHA-256.
	TypeCompatible
)

func (t Type) String() string {
	if t == TypeNative {
		return "git-sha1"
	}
	return "compatible-sha256"
}

// ParseType reads a family name as it appears in configuration files and in
// the on-disk layout ("git-sha1", "compatible-sha256").
func ParseType(s string) (Type, error) {
	switch s {
	case "git-sha1", "native":
		return TypeNative, nil
	case "compatible-sha256", "compatible":
		return TypeCompatible, nil
	}
	return TypeNative, fmt.Errorf("unknown hash family %q", s)
}

// Function computes digests for one family. The zero value is the native
// family; construct with New to be explicit.
type Function struct {
	t Type
}

// New returns the hash function for the given family.
func New(t Type) Function {
	return Function{t: t}
}

// Type returns the family this function implements.
func (f Function) Type() Type {
	return f.t
}

// HexLength returns the length of a hex digest for this family.
func (f Function) HexLength() int {
	if f.t == TypeNative {
		return 40
	}
	return 64
}

// HashBlob hashes data as a blob object.
func (f Function) HashBlob(data []byte) Digest {
	h := f.StartBlob(int64(len(data)))
	h.Write(data)
	return h.Sum()
}

// HashTree hashes data as a tree object.
func (f Function) HashTree(data []byte) Digest {
	h := f.StartTree(int64(len(data)))
	h.Write(data)
	return h.Sum()
}

// HashPlain hashes data without any framing and returns the raw hex string.
// Plain hashes key internal indices (large-object recipes, cache shards) and
// never identify CAS content directly.
func (f Function) HashPlain(data []byte) string {
	h := f.StartPlain()
	h.Write(data)
	return h.Sum().Hex
}

// HashBlobFile hashes the content of the file at path as a blob, streaming.
func (f Function) HashBlobFile(path string) (Digest, error) {
	return f.hashFile(path, false)
}

// HashTreeFile hashes the content of the file at path as a tree, streaming.
func (f Function) HashTreeFile(path string) (Digest, error) {
	return f.hashFile(path, true)
}

func (f Function) hashFile(path string, asTree bool) (Digest, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return Digest{}, err
	}

	var h *Hasher
	if asTree {
		h = f.StartTree(info.Size())
	} else {
		h = f.StartBlob(info.Size())
	}
	if _, err := io.Copy(h, fd); err != nil {
		return Digest{}, err
	}
	return h.Sum(), nil
}

// StartBlob returns an incremental hasher for a blob of the given size. The
// native family frames the object with its size up front, so the size must
// be known before the first chunk is written.
func (f Function) StartBlob(size int64) *Hasher {
	return f.start(plumbing.BlobObject, size, false)
}

// StartTree returns an incremental hasher for a tree of the given size.
func (f Function) StartTree(size int64) *Hasher {
	return f.start(plumbing.TreeObject, size, true)
}

// StartPlain returns an incremental hasher without object framing.
func (f Function) StartPlain() *Hasher {
	if f.t == TypeNative {
		return &Hasher{plain: githash.New(crypto.SHA1)}
	}
	return &Hasher{digester: digest.SHA256.Digester()}
}

func (f Function) start(t plumbing.ObjectType, size int64, isTree bool) *Hasher {
	if f.t == TypeNative {
		gh := plumbing.NewHasher(t, size)
		return &Hasher{git: &gh, isTree: isTree}
	}
	return &Hasher{digester: digest.SHA256.Digester(), isTree: isTree}
}

// Hasher accepts successive byte chunks and emits a digest. It implements
// io.Writer; Write never fails.
type Hasher struct {
	git      *plumbing.Hasher // framed native objects
	plain    hash.Hash        // unframed native keys
	digester digest.Digester  // compatible family
	isTree   bool
	written  int64
}

func (h *Hasher) Write(p []byte) (int, error) {
	h.written += int64(len(p))
	switch {
	case h.git != nil:
		return h.git.Hash.Write(p)
	case h.plain != nil:
		return h.plain.Write(p)
	}
	return h.digester.Hash().Write(p)
}

// Sum finalizes the hash and returns the digest of everything written. The
// digest size is the number of payload bytes written, not the framed size.
func (h *Hasher) Sum() Digest {
	var hexval string
	switch {
	case h.git != nil:
		hexval = h.git.Sum().String()
	case h.plain != nil:
		hexval = fmt.Sprintf("%x", h.plain.Sum(nil))
	default:
		hexval = h.digester.Digest().Encoded()
	}
	return Digest{Hex: hexval, Size: h.written, IsTree: h.isTree}
}
