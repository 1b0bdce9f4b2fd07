package executor

import (
	"context"
	"testing"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/traverser"
)

// storeTree stages a flat set of files as a tree in the local CAS.
func storeTree(t *testing.T, env *testEnv, files map[string]string) hashing.Digest {
	t.Helper()
	var objs []execapi.NamedObject
	for path, content := range files {
		d, err := env.local.CAS().StoreBlob([]byte(content), false)
		if err != nil {
			t.Fatal(err)
		}
		objs = append(objs, execapi.NamedObject{
			Path: path,
			Info: anvil.ObjectInfo{Digest: d, Type: anvil.ObjectFile},
		})
	}
	root, err := env.local.UploadTree(context.Background(), objs)
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func overlayGraph(t *testing.T, env *testEnv, kind dag.ActionKind, lower, upper hashing.Digest) dag.ArtifactID {
	t.Helper()
	if _, err := env.graph.AddAction(
		dag.ActionDesc{ID: "overlay", Kind: kind},
		[]dag.NamedArtifactDesc{
			{Path: "lower", Artifact: dag.ArtifactDesc{ID: "lower", Kind: dag.KindKnown, Digest: lower, Type: anvil.ObjectTree}},
			{Path: "upper", Artifact: dag.ArtifactDesc{ID: "upper", Kind: dag.KindKnown, Digest: upper, Type: anvil.ObjectTree}},
		},
		nil, []string{"merged"},
	); err != nil {
		t.Fatal(err)
	}
	target, err := env.graph.AddArtifact(dag.ArtifactDesc{
		ID: "overlay#merged", Kind: dag.KindAction, ActionID: "overlay", OutputPath: "merged",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.graph.Finalize()
	return target
}

func TestTreeOverlayLatestWins(t *testing.T) {
	env := newTestEnv(t)
	lower := storeTree(t, env, map[string]string{"shared": "old", "keep": "kept"})
	upper := storeTree(t, env, map[string]string{"shared": "new", "extra": "added"})

	target := overlayGraph(t, env, dag.KindTreeOverlay, lower, upper)
	exec := env.executor(t)
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); !ok {
		t.Fatal("overlay failed")
	}

	info := env.graph.ArtifactNodeByID(target).ObjectInfo()
	if info == nil || info.Type != anvil.ObjectTree {
		t.Fatalf("merged info %v", info)
	}
	entries, err := env.local.CAS().ReadTreeEntries(info.Digest)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]hashing.Digest{}
	for _, e := range entries {
		byName[e.Name] = e.Digest
	}
	wantNew := env.local.HashFunction().HashBlob([]byte("new"))
	if byName["shared"].Hex != wantNew.Hex {
		t.Fatal("later tree must win on conflicts")
	}
	if _, ok := byName["keep"]; !ok {
		t.Fatal("non-conflicting entry lost")
	}
	if _, ok := byName["extra"]; !ok {
		t.Fatal("upper-only entry lost")
	}
}

func TestDisjointOverlayRejectsConflict(t *testing.T) {
	env := newTestEnv(t)
	lower := storeTree(t, env, map[string]string{"shared": "old"})
	upper := storeTree(t, env, map[string]string{"shared": "new"})

	target := overlayGraph(t, env, dag.KindDisjointTreeOverlay, lower, upper)
	exec := env.executor(t)
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); ok {
		t.Fatal("conflicting disjoint overlay must fail")
	}
}

func TestDisjointOverlayAllowsIdenticalEntries(t *testing.T) {
	env := newTestEnv(t)
	lower := storeTree(t, env, map[string]string{"same": "content", "a": "1"})
	upper := storeTree(t, env, map[string]string{"same": "content", "b": "2"})

	target := overlayGraph(t, env, dag.KindDisjointTreeOverlay, lower, upper)
	exec := env.executor(t)
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); !ok {
		t.Fatal("identical entries are not a conflict")
	}
}

func TestOverlayMergesNestedTrees(t *testing.T) {
	env := newTestEnv(t)
	lower := storeTree(t, env, map[string]string{"dir/a": "1"})
	upper := storeTree(t, env, map[string]string{"dir/b": "2"})

	target := overlayGraph(t, env, dag.KindTreeOverlay, lower, upper)
	exec := env.executor(t)
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); !ok {
		t.Fatal("overlay failed")
	}

	info := env.graph.ArtifactNodeByID(target).ObjectInfo()
	entries, err := env.local.CAS().ReadTreeEntries(info.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "dir" {
		t.Fatalf("top level %v", entries)
	}
	sub, err := env.local.CAS().ReadTreeEntries(entries[0].Digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub) != 2 {
		t.Fatalf("nested trees not merged entry-wise: %v", sub)
	}
}
