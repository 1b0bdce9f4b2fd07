package executor

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/gittree"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/dcontext"
	"github.com/anvilbuild/anvil/storage/cas"
)

// processOverlay folds the action's input trees left to right into one
// tree. Later trees win on conflicting entries unless the action demands
// disjointness, in which case any genuine conflict fails it; two trees
// colliding recurse and merge entry-wise.
func (e *Executor) processOverlay(ctx context.Context, node *dag.ActionNode,
	named []execapi.NamedObject, failedInput bool) bool {
	log := dcontext.GetLoggerWithField(ctx, "action", node.Desc().ID)
	disjoint := node.Desc().Kind == dag.KindDisjointTreeOverlay

	if len(named) == 0 {
		log.Errorf("tree overlay without inputs")
		return false
	}
	for _, n := range named {
		if n.Info.Type != anvil.ObjectTree {
			log.Errorf("overlay input %q is a %s, not a tree", n.Path, n.Info.Type)
			return false
		}
		if err := e.ensureTreeLocal(ctx, n.Info); err != nil {
			log.Errorf("fetching overlay input %q: %v", n.Path, err)
			return false
		}
	}

	var fresh []anvil.ArtifactBlob
	acc := named[0].Info.Digest
	for _, n := range named[1:] {
		var err error
		acc, err = e.mergeTrees(ctx, acc, n.Info.Digest, disjoint, &fresh)
		if err != nil {
			log.Errorf("%v", err)
			return false
		}
	}

	// Merged trees exist locally; a remote default backend needs them too.
	if e.opts.API.Address() != "" && len(fresh) > 0 {
		if err := e.opts.API.Upload(ctx, fresh, false); err != nil {
			log.Errorf("uploading overlay trees: %v", err)
			return false
		}
	}

	info := anvil.ObjectInfo{Digest: acc, Type: anvil.ObjectTree, Failed: failedInput}
	for _, out := range node.Outputs() {
		e.opts.Graph.ArtifactNodeByID(out.Artifact).SetObjectInfo(info)
	}
	return true
}

func (e *Executor) ensureTreeLocal(ctx context.Context, info anvil.ObjectInfo) error {
	if e.opts.Local.CAS().Contains(info.Digest) {
		return nil
	}
	return e.opts.API.RetrieveToCas(ctx, []anvil.ObjectInfo{info}, e.opts.Local)
}

// mergeTrees merges b over a and stores the result locally. Newly written
// tree objects are collected for a later upload.
func (e *Executor) mergeTrees(ctx context.Context, a, b hashing.Digest, disjoint bool,
	fresh *[]anvil.ArtifactBlob) (hashing.Digest, error) {
	if a.Hex == b.Hex {
		return a, nil
	}
	store := e.opts.Local.CAS()
	left, err := store.ReadTreeEntries(a)
	if err != nil {
		return hashing.Digest{}, err
	}
	right, err := store.ReadTreeEntries(b)
	if err != nil {
		return hashing.Digest{}, err
	}

	merged := make(map[string]cas.TreeEntry, len(left)+len(right))
	order := make([]string, 0, len(left)+len(right))
	for _, entry := range left {
		merged[entry.Name] = entry
		order = append(order, entry.Name)
	}
	for _, entry := range right {
		prev, ok := merged[entry.Name]
		if !ok {
			merged[entry.Name] = entry
			order = append(order, entry.Name)
			continue
		}
		if prev.Type == anvil.ObjectTree && entry.Type == anvil.ObjectTree {
			sub, err := e.mergeTrees(ctx, prev.Digest, entry.Digest, disjoint, fresh)
			if err != nil {
				return hashing.Digest{}, err
			}
			prev.Digest = sub
			merged[entry.Name] = prev
			continue
		}
		if sameEntry(prev, entry) {
			continue
		}
		if disjoint {
			return hashing.Digest{}, fmt.Errorf("overlay conflict on %q between %s and %s",
				entry.Name, a.Short(), b.Short())
		}
		merged[entry.Name] = entry
	}
	sort.Strings(order)

	entries := make([]cas.TreeEntry, 0, len(merged))
	for _, name := range order {
		entries = append(entries, merged[name])
	}
	data, err := e.encodeEntries(entries)
	if err != nil {
		return hashing.Digest{}, err
	}
	d, err := store.StoreTree(data)
	if err != nil {
		return hashing.Digest{}, err
	}
	*fresh = append(*fresh, anvil.NewBlobFromBytes(d, data, false))
	return d, nil
}

func sameEntry(a, b cas.TreeEntry) bool {
	return a.Type == b.Type && a.Digest.Hex == b.Digest.Hex && a.SymlinkTarget == b.SymlinkTarget
}

// encodeEntries serializes a directory in the active family.
func (e *Executor) encodeEntries(entries []cas.TreeEntry) ([]byte, error) {
	if e.hash().Type() == hashing.TypeNative {
		ge := make([]gittree.Entry, 0, len(entries))
		for _, entry := range entries {
			ge = append(ge, gittree.Entry{Name: entry.Name, Hex: entry.Digest.Hex, Type: entry.Type})
		}
		return gittree.Encode(ge)
	}

	dir := &pb.Directory{}
	for _, entry := range entries {
		switch entry.Type {
		case anvil.ObjectTree:
			dir.Directories = append(dir.Directories, &pb.DirectoryNode{
				Name: entry.Name, Digest: execapi.ProtoDigest(entry.Digest),
			})
		case anvil.ObjectSymlink:
			dir.Symlinks = append(dir.Symlinks, &pb.SymlinkNode{
				Name: entry.Name, Target: entry.SymlinkTarget,
			})
		default:
			dir.Files = append(dir.Files, &pb.FileNode{
				Name:         entry.Name,
				Digest:       execapi.ProtoDigest(entry.Digest),
				IsExecutable: entry.Type == anvil.ObjectExecutable,
			})
		}
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(dir)
}
