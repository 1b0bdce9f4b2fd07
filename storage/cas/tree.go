package cas

import (
	"fmt"
	"os"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/gittree"
	"github.com/anvilbuild/anvil/hashing"
)

// TreeEntry is one child of a directory object. In native mode children are
// referenced by digest, with symlink targets stored as blobs; in compatible
// mode symlink entries carry their target inline and no digest.
type TreeEntry struct {
	Name          string
	Digest        hashing.Digest
	Type          anvil.ObjectType
	SymlinkTarget string
}

// ReadTreeEntries parses the tree object identified by d in the active
// family and returns its immediate children.
func (c *CAS) ReadTreeEntries(d hashing.Digest) ([]TreeEntry, error) {
	p, err := c.TreePath(d)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return DecodeTreeEntries(c.cfg.Hash, data)
}

// DecodeTreeEntries parses a serialized tree object of the given family.
func DecodeTreeEntries(f hashing.Function, data []byte) ([]TreeEntry, error) {
	if f.Type() == hashing.TypeNative {
		return decodeGitEntries(data)
	}
	return decodeDirectoryEntries(data)
}

func decodeGitEntries(data []byte) ([]TreeEntry, error) {
	raw, err := gittree.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", anvil.ErrInvalidTree, err)
	}
	entries := make([]TreeEntry, 0, len(raw))
	for _, e := range raw {
		// Git trees do not record sizes; the digests are size-unknown,
		// which native mode accepts on all read paths.
		entries = append(entries, TreeEntry{
			Name:   e.Name,
			Digest: hashing.Digest{Hex: e.Hex, IsTree: e.Type == anvil.ObjectTree},
			Type:   e.Type,
		})
	}
	return entries, nil
}

func decodeDirectoryEntries(data []byte) ([]TreeEntry, error) {
	var dir pb.Directory
	if err := proto.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("%w: %v", anvil.ErrInvalidTree, err)
	}
	entries := make([]TreeEntry, 0, len(dir.Files)+len(dir.Directories)+len(dir.Symlinks))
	for _, f := range dir.Files {
		t := anvil.ObjectFile
		if f.IsExecutable {
			t = anvil.ObjectExecutable
		}
		entries = append(entries, TreeEntry{
			Name:   f.Name,
			Digest: hashing.Digest{Hex: f.Digest.GetHash(), Size: f.Digest.GetSizeBytes()},
			Type:   t,
		})
	}
	for _, sub := range dir.Directories {
		entries = append(entries, TreeEntry{
			Name:   sub.Name,
			Digest: hashing.Digest{Hex: sub.Digest.GetHash(), Size: sub.Digest.GetSizeBytes(), IsTree: true},
			Type:   anvil.ObjectTree,
		})
	}
	for _, l := range dir.Symlinks {
		entries = append(entries, TreeEntry{
			Name:          l.Name,
			Type:          anvil.ObjectSymlink,
			SymlinkTarget: l.Target,
		})
	}
	return entries, nil
}

// uplinkTree promotes the tree stored at oldPath and everything it
// references into generation 0. Children are promoted before the tree
// object itself so a reader that finds the tree finds its content, too.
func (c *CAS) uplinkTree(hex string, oldPath string) error {
	data, err := os.ReadFile(oldPath)
	if err != nil {
		return err
	}
	entries, err := decodeGitEntries(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Type {
		case anvil.ObjectTree:
			if _, err := c.TreePath(e.Digest); err != nil {
				return fmt.Errorf("%w: subtree %s of %s", anvil.ErrInvalidTree, e.Digest.Short(), hex)
			}
		case anvil.ObjectExecutable:
			if _, err := c.blobPath(e.Digest, true); err != nil {
				return fmt.Errorf("%w: blob %s of %s", anvil.ErrInvalidTree, e.Digest.Short(), hex)
			}
		default:
			if _, err := c.blobPath(e.Digest, false); err != nil {
				return fmt.Errorf("%w: blob %s of %s", anvil.ErrInvalidTree, e.Digest.Short(), hex)
			}
		}
	}
	return c.gens[0].trees.LinkFrom(hex, oldPath)
}
