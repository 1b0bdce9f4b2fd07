package executor

import (
	"context"
	"testing"

	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/traverser"
)

func randomOutputGraph(t *testing.T, env *testEnv) dag.ArtifactID {
	t.Helper()
	if _, err := env.graph.AddAction(
		dag.ActionDesc{
			ID:   "roll",
			Kind: dag.KindCommand,
			// Different bytes every run.
			Command: []string{"sh", "-c", "head -c 16 /dev/urandom > out"},
		},
		nil, []string{"out"}, nil,
	); err != nil {
		t.Fatal(err)
	}
	target, err := env.graph.AddArtifact(dag.ArtifactDesc{
		ID: "roll#out", Kind: dag.KindAction, ActionID: "roll", OutputPath: "out",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.graph.Finalize()
	return target
}

func TestRebuilderDetectsFlakyAction(t *testing.T) {
	env := newTestEnv(t)
	target := randomOutputGraph(t, env)
	exec := env.executor(t)

	// Seed the cache with one execution.
	if ok := traverser.New(env.graph, exec, 2).Traverse(context.Background(), []dag.ArtifactID{target}); !ok {
		t.Fatal("seeding build failed")
	}

	// Rebuild on a fresh graph over the same store.
	env2 := &testEnv{graph: dag.New(), local: env.local, roots: env.roots, wsDir: env.wsDir}
	target2 := randomOutputGraph(t, env2)
	exec2 := env2.executor(t)
	rebuilder := NewRebuilder(exec2, env2.local)

	if ok := traverser.New(env2.graph, rebuilder, 2).Traverse(context.Background(), []dag.ArtifactID{target2}); !ok {
		t.Fatal("rebuild failed")
	}

	flaky := rebuilder.Flaky()
	if len(flaky) != 1 {
		t.Fatalf("recorded %d mismatches, want 1", len(flaky))
	}
	if flaky[0].ActionID != "roll" || flaky[0].Path != "out" {
		t.Fatalf("mismatch %+v", flaky[0])
	}
	if flaky[0].Fresh.Digest.Hex == flaky[0].Cached.Digest.Hex {
		t.Fatal("mismatch recorded for identical digests")
	}
	if exec2.Stats().ActionsFlaky.Load() != 1 {
		t.Fatal("flaky counter not bumped")
	}
}

func TestRebuilderRecordsCacheMiss(t *testing.T) {
	env := newTestEnv(t)
	target := randomOutputGraph(t, env)
	exec := env.executor(t)
	rebuilder := NewRebuilder(exec, env.local)

	// Nothing cached yet: the comparison run has nothing to serve.
	if ok := traverser.New(env.graph, rebuilder, 2).Traverse(context.Background(), []dag.ArtifactID{target}); !ok {
		t.Fatal("rebuild failed")
	}
	misses := rebuilder.CacheMisses()
	if len(misses) != 1 || misses[0] != "roll" {
		t.Fatalf("cache misses %v", misses)
	}
	if len(rebuilder.Flaky()) != 0 {
		t.Fatal("no comparison happened, nothing can be flaky")
	}
}
