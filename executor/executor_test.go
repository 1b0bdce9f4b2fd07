package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/dag"
	localapi "github.com/anvilbuild/anvil/execapi/local"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/actioncache"
	"github.com/anvilbuild/anvil/storage/cas"
	"github.com/anvilbuild/anvil/traverser"
	"github.com/anvilbuild/anvil/workspace"
)

type testEnv struct {
	graph *dag.Graph
	local *localapi.API
	roots *workspace.Roots
	wsDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := cas.Config{
		BuildRoot:   t.TempDir(),
		Hash:        hashing.New(hashing.TypeNative),
		Generations: 2,
	}
	store, err := cas.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	wsDir := t.TempDir()
	roots := workspace.NewRoots()
	roots.AddFileRoot("", wsDir)
	return &testEnv{
		graph: dag.New(),
		local: localapi.New(store, actioncache.New(cfg), localapi.Config{}),
		roots: roots,
		wsDir: wsDir,
	}
}

func (e *testEnv) executor(t *testing.T) *Executor {
	t.Helper()
	exec, err := New(Options{
		Graph: e.graph,
		API:   e.local,
		Local: e.local,
		Roots: e.roots,
	})
	if err != nil {
		t.Fatal(err)
	}
	return exec
}

func (e *testEnv) writeSource(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.wsDir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProcessLocalArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "input.txt", "source content")

	id, err := env.graph.AddArtifact(dag.ArtifactDesc{ID: "src", Kind: dag.KindLocal, Path: "input.txt"})
	if err != nil {
		t.Fatal(err)
	}
	env.graph.Finalize()

	exec := env.executor(t)
	node := env.graph.ArtifactNodeByID(id)
	if !exec.ProcessArtifact(context.Background(), node) {
		t.Fatal("processing a present source failed")
	}
	info := node.ObjectInfo()
	if info == nil {
		t.Fatal("no object info stamped")
	}
	want := env.local.HashFunction().HashBlob([]byte("source content"))
	if info.Digest != want {
		t.Fatalf("stamped %v, want %v", info.Digest, want)
	}
	if !env.local.CAS().Contains(info.Digest) {
		t.Fatal("source content not uploaded")
	}
}

func TestProcessKnownArtifactVerifies(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "input.txt", "actual content")

	declared := env.local.HashFunction().HashBlob([]byte("different content"))
	id, err := env.graph.AddArtifact(dag.ArtifactDesc{
		ID: "known", Kind: dag.KindKnown, Digest: declared, Type: anvil.ObjectFile, Path: "input.txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.graph.Finalize()

	exec := env.executor(t)
	if exec.ProcessArtifact(context.Background(), env.graph.ArtifactNodeByID(id)) {
		t.Fatal("mismatching declared digest accepted")
	}
}

// A full little build: source -> copy action -> output, end to end through
// the traverser.
func TestBuildCopiesSource(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "data.txt", "payload")

	if _, err := env.graph.AddAction(
		dag.ActionDesc{ID: "copy", Kind: dag.KindCommand, Command: []string{"cp", "data.txt", "out.txt"}},
		[]dag.NamedArtifactDesc{{
			Path:     "data.txt",
			Artifact: dag.ArtifactDesc{ID: "src", Kind: dag.KindLocal, Path: "data.txt"},
		}},
		[]string{"out.txt"}, nil,
	); err != nil {
		t.Fatal(err)
	}
	target, err := env.graph.AddArtifact(dag.ArtifactDesc{
		ID: "copy#out.txt", Kind: dag.KindAction, ActionID: "copy", OutputPath: "out.txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.graph.Finalize()

	exec := env.executor(t)
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); !ok {
		t.Fatal("build failed")
	}

	info := env.graph.ArtifactNodeByID(target).ObjectInfo()
	want := env.local.HashFunction().HashBlob([]byte("payload"))
	if info == nil || info.Digest != want {
		t.Fatalf("output info %v, want digest %v", info, want)
	}
	if exec.Stats().ActionsExecuted.Load() != 1 {
		t.Fatalf("executed %d actions", exec.Stats().ActionsExecuted.Load())
	}
}

func TestMayFailPropagates(t *testing.T) {
	env := newTestEnv(t)
	msg := "expected to fail"

	if _, err := env.graph.AddAction(
		dag.ActionDesc{
			ID: "failing", Kind: dag.KindCommand, MayFail: &msg,
			Command: []string{"sh", "-c", "printf oops > out && exit 1"},
		},
		nil, []string{"out"}, nil,
	); err != nil {
		t.Fatal(err)
	}
	target, err := env.graph.AddArtifact(dag.ArtifactDesc{
		ID: "failing#out", Kind: dag.KindAction, ActionID: "failing", OutputPath: "out",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.graph.Finalize()

	exec := env.executor(t)
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); !ok {
		t.Fatal("may-fail action must not abort the build")
	}
	info := env.graph.ArtifactNodeByID(target).ObjectInfo()
	if info == nil || !info.Failed {
		t.Fatalf("output must be stamped failed, got %v", info)
	}
}

func TestMissingOutputFailsAction(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.graph.AddAction(
		dag.ActionDesc{ID: "lazy", Kind: dag.KindCommand, Command: []string{"true"}},
		nil, []string{"never_created"}, nil,
	); err != nil {
		t.Fatal(err)
	}
	target, err := env.graph.AddArtifact(dag.ArtifactDesc{
		ID: "lazy#never_created", Kind: dag.KindAction, ActionID: "lazy", OutputPath: "never_created",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.graph.Finalize()

	exec := env.executor(t)
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); ok {
		t.Fatal("missing declared output must fail the build")
	}
}

func TestDispatchMatch(t *testing.T) {
	rules := []DispatchRule{
		{Properties: map[string]string{"os": "darwin"}, Endpoint: "mac-pool"},
		{Properties: map[string]string{"os": "linux", "arch": "arm64"}, Endpoint: "arm-pool"},
	}

	if ep, ok := Match(rules, map[string]string{"os": "darwin", "extra": "x"}); !ok || ep != "mac-pool" {
		t.Fatalf("got %q, %v", ep, ok)
	}
	if ep, ok := Match(rules, map[string]string{"os": "linux", "arch": "arm64"}); !ok || ep != "arm-pool" {
		t.Fatalf("got %q, %v", ep, ok)
	}
	if _, ok := Match(rules, map[string]string{"os": "linux", "arch": "x86_64"}); ok {
		t.Fatal("partial property match must not dispatch")
	}
	if _, ok := Match(nil, map[string]string{"os": "linux"}); ok {
		t.Fatal("no rules, no dispatch")
	}
}

func TestEffectivePropertiesOverlayWins(t *testing.T) {
	env := newTestEnv(t)
	exec, err := New(Options{
		Graph:      env.graph,
		API:        env.local,
		Local:      env.local,
		Properties: map[string]string{"os": "linux", "pool": "default"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := exec.effectiveProperties(dag.ActionDesc{
		ExecutionProperties: map[string]string{"pool": "special"},
	})
	if got["pool"] != "special" || got["os"] != "linux" {
		t.Fatalf("effective properties %v", got)
	}
}
