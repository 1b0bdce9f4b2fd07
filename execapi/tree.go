package execapi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/gittree"
	"github.com/anvilbuild/anvil/hashing"
)

// TreeBuilder assembles a directory tree from a flat list of named objects
// and hands every directory blob to Emit in content-first order — children
// strictly before the directory that references them — so that a backend
// uploading as it goes never publishes a tree before its content.
//
// Symlink entries need their target text; ReadBlob resolves it from the
// local store. Targets are checked to be non-upward.
type TreeBuilder struct {
	Hash     hashing.Function
	ReadBlob func(ctx context.Context, d hashing.Digest) ([]byte, error)
	Emit     func(ctx context.Context, data []byte, d hashing.Digest) error
}

// Build assembles the tree and returns the root digest.
func (b *TreeBuilder) Build(ctx context.Context, artifacts []NamedObject) (hashing.Digest, error) {
	root := newDirNode()
	for _, a := range artifacts {
		norm, err := NormalizeEntryPath(".", a.Path)
		if err != nil {
			return hashing.Digest{}, err
		}
		if err := root.insert(strings.Split(norm, "/"), a); err != nil {
			return hashing.Digest{}, err
		}
	}
	return b.serialize(ctx, root)
}

type dirNode struct {
	subdirs map[string]*dirNode
	leafs   map[string]anvil.ObjectInfo
}

func newDirNode() *dirNode {
	return &dirNode{subdirs: make(map[string]*dirNode), leafs: make(map[string]anvil.ObjectInfo)}
}

func (n *dirNode) insert(components []string, a NamedObject) error {
	name := components[0]
	if len(components) == 1 {
		if _, ok := n.subdirs[name]; ok {
			return fmt.Errorf("path %q: already staged as a directory", a.Path)
		}
		if prev, ok := n.leafs[name]; ok {
			if prev != a.Info {
				return fmt.Errorf("path %q: staged twice with different content", a.Path)
			}
			return nil
		}
		n.leafs[name] = a.Info
		return nil
	}
	if _, ok := n.leafs[name]; ok {
		return fmt.Errorf("path %q: %q already staged as a leaf", a.Path, name)
	}
	sub, ok := n.subdirs[name]
	if !ok {
		sub = newDirNode()
		n.subdirs[name] = sub
	}
	return sub.insert(components[1:], a)
}

func (b *TreeBuilder) serialize(ctx context.Context, n *dirNode) (hashing.Digest, error) {
	if b.Hash.Type() == hashing.TypeNative {
		return b.serializeGit(ctx, n)
	}
	return b.serializeDirectory(ctx, n)
}

func (b *TreeBuilder) serializeGit(ctx context.Context, n *dirNode) (hashing.Digest, error) {
	entries := make([]gittree.Entry, 0, len(n.subdirs)+len(n.leafs))
	for name, sub := range n.subdirs {
		d, err := b.serializeGit(ctx, sub)
		if err != nil {
			return hashing.Digest{}, err
		}
		entries = append(entries, gittree.Entry{Name: name, Hex: d.Hex, Type: anvil.ObjectTree})
	}
	for name, info := range n.leafs {
		if info.Type == anvil.ObjectSymlink {
			if err := b.checkSymlink(ctx, name, info.Digest); err != nil {
				return hashing.Digest{}, err
			}
		}
		entries = append(entries, gittree.Entry{Name: name, Hex: info.Digest.Hex, Type: info.Type})
	}

	data, err := gittree.Encode(entries)
	if err != nil {
		return hashing.Digest{}, err
	}
	d := b.Hash.HashTree(data)
	if err := b.Emit(ctx, data, d); err != nil {
		return hashing.Digest{}, err
	}
	return d, nil
}

func (b *TreeBuilder) serializeDirectory(ctx context.Context, n *dirNode) (hashing.Digest, error) {
	dir := &pb.Directory{}

	for _, name := range sortedDirKeys(n.subdirs) {
		d, err := b.serializeDirectory(ctx, n.subdirs[name])
		if err != nil {
			return hashing.Digest{}, err
		}
		dir.Directories = append(dir.Directories, &pb.DirectoryNode{Name: name, Digest: ProtoDigest(d)})
	}
	for _, name := range sortedLeafKeys(n.leafs) {
		info := n.leafs[name]
		switch info.Type {
		case anvil.ObjectSymlink:
			target, err := b.ReadBlob(ctx, info.Digest)
			if err != nil {
				return hashing.Digest{}, fmt.Errorf("symlink %q: %w", name, err)
			}
			if !IsNonUpwardTarget(string(target)) {
				return hashing.Digest{}, fmt.Errorf("symlink %q: upward target %q", name, string(target))
			}
			dir.Symlinks = append(dir.Symlinks, &pb.SymlinkNode{Name: name, Target: string(target)})
		case anvil.ObjectTree:
			dir.Directories = append(dir.Directories, &pb.DirectoryNode{Name: name, Digest: ProtoDigest(info.Digest)})
		default:
			dir.Files = append(dir.Files, &pb.FileNode{
				Name:         name,
				Digest:       ProtoDigest(info.Digest),
				IsExecutable: info.Type == anvil.ObjectExecutable,
			})
		}
	}

	// Staged tree artifacts land in Directories out of order relative to
	// the assembled subdirectories; the protocol wants one sorted list.
	sort.Slice(dir.Directories, func(i, j int) bool {
		return dir.Directories[i].Name < dir.Directories[j].Name
	})

	data, err := marshal(dir)
	if err != nil {
		return hashing.Digest{}, err
	}
	d := b.Hash.HashTree(data)
	if err := b.Emit(ctx, data, d); err != nil {
		return hashing.Digest{}, err
	}
	return d, nil
}

func (b *TreeBuilder) checkSymlink(ctx context.Context, name string, d hashing.Digest) error {
	target, err := b.ReadBlob(ctx, d)
	if err != nil {
		return fmt.Errorf("symlink %q: %w", name, err)
	}
	if !IsNonUpwardTarget(string(target)) {
		return fmt.Errorf("symlink %q: upward target %q", name, string(target))
	}
	return nil
}

func sortedDirKeys(m map[string]*dirNode) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLeafKeys(m map[string]anvil.ObjectInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
