package hashing

import (
	"fmt"
	"strings"
)

// Digest identifies content by hash. For native-family trees a zero size
// means "unknown": git tree objects do not record the sizes of what they
// reference, so the hash alone is the identity. Everywhere else — blobs of
// both families and compatible-mode trees, where an empty Directory message
// genuinely serializes to zero bytes — a zero size is simply the size of
// empty content. IsTree distinguishes the tree area of a store from the
// blob areas; a tree digest must never be used where a blob is required and
// vice versa.
//
// Digests compare over all three fields. Indices that only care about
// identity key by Hex alone.
type Digest struct {
	Hex    string
	Size   int64
	IsTree bool
}

// NewDigest validates hex against the family of f and returns the digest.
// The hex must be lower-case and of the exact length for the family.
func NewDigest(f Function, hexval string, size int64, isTree bool) (Digest, error) {
	if len(hexval) != f.HexLength() {
		return Digest{}, fmt.Errorf("digest %q: expected %d hex characters for %s, got %d",
			hexval, f.HexLength(), f.Type(), len(hexval))
	}
	for i := 0; i < len(hexval); i++ {
		c := hexval[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Digest{}, fmt.Errorf("digest %q: invalid hex character %q", hexval, string(c))
		}
	}
	return Digest{Hex: hexval, Size: size, IsTree: isTree}, nil
}

// SizeKnown reports whether the digest carries an exact size. Only trees of
// the native family (40 hex characters) are ever sizeless; a zero-size
// compatible tree is the empty directory, whose size really is zero.
func (d Digest) SizeKnown() bool {
	return d.Size > 0 || !d.IsTree || len(d.Hex) != 40
}

func (d Digest) String() string {
	kind := "blob"
	if d.IsTree {
		kind = "tree"
	}
	return fmt.Sprintf("%s:%d:%s", d.Hex, d.Size, kind)
}

// Short returns an abbreviated hex for log lines.
func (d Digest) Short() string {
	if len(d.Hex) < 12 {
		return d.Hex
	}
	return d.Hex[:12]
}

// ParseDigest is the inverse of String.
func ParseDigest(f Function, s string) (Digest, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Digest{}, fmt.Errorf("digest %q: want <hex>:<size>:<blob|tree>", s)
	}
	var size int64
	if _, err := fmt.Sscanf(parts[1], "%d", &size); err != nil {
		return Digest{}, fmt.Errorf("digest %q: bad size: %v", s, err)
	}
	switch parts[2] {
	case "blob":
		return NewDigest(f, parts[0], size, false)
	case "tree":
		return NewDigest(f, parts[0], size, true)
	}
	return Digest{}, fmt.Errorf("digest %q: bad kind %q", s, parts[2])
}
