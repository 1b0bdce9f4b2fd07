package anvil

import (
	"fmt"

	"github.com/anvilbuild/anvil/hashing"
)

// ObjectType describes what a digest points at. File and Executable differ
// only in the executable bit of the stored file; a Symlink is stored as a
// file whose content is the link target; a Tree is a directory manifest.
type ObjectType int8

const (
	ObjectFile ObjectType = iota
	ObjectExecutable
	ObjectSymlink
	ObjectTree
)

func (t ObjectType) String() string {
	switch t {
	case ObjectFile:
		return "file"
	case ObjectExecutable:
		return "executable"
	case ObjectSymlink:
		return "symlink"
	case ObjectTree:
		return "tree"
	}
	return fmt.Sprintf("unknown(%d)", int8(t))
}

// Marker returns the single-letter form used in digest literals, as in
// [<hex>:<size>:<f|x|l|t>].
func (t ObjectType) Marker() byte {
	switch t {
	case ObjectExecutable:
		return 'x'
	case ObjectSymlink:
		return 'l'
	case ObjectTree:
		return 't'
	}
	return 'f'
}

// ObjectTypeFromMarker is the inverse of Marker.
func ObjectTypeFromMarker(c byte) (ObjectType, error) {
	switch c {
	case 'f':
		return ObjectFile, nil
	case 'x':
		return ObjectExecutable, nil
	case 'l':
		return ObjectSymlink, nil
	case 't':
		return ObjectTree, nil
	}
	return ObjectFile, fmt.Errorf("unknown object type marker %q", string(c))
}

// IsTree reports whether the type addresses the tree area of the CAS.
func (t ObjectType) IsTree() bool {
	return t == ObjectTree
}

// IsExecutable reports whether the stored file carries the executable bit.
func (t ObjectType) IsExecutable() bool {
	return t == ObjectExecutable
}

// ObjectInfo is the result stamp of a built artifact: its digest, its object
// type and whether the producing action was allowed to fail and did.
type ObjectInfo struct {
	Digest hashing.Digest
	Type   ObjectType
	Failed bool
}

func (i ObjectInfo) String() string {
	return fmt.Sprintf("[%s:%d:%c]", i.Digest.Hex, i.Digest.Size, i.Type.Marker())
}
