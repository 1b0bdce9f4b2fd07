package graphfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/hashing"
)

const sampleGraph = `{
  "blobs": ["seeded content"],
  "trees": {
    "inputs": {
      "main.c": {"type": "LOCAL", "data": {"path": "main.c", "repository": ""}}
    }
  },
  "actions": {
    "compile": {
      "command": ["cc", "-c", "main.c", "-o", "main.o"],
      "input": {
        "main.c": {"type": "LOCAL", "data": {"path": "main.c", "repository": ""}}
      },
      "output": ["main.o"]
    },
    "link": {
      "command": ["cc", "main.o", "-o", "prog"],
      "env": {"PATH": "/usr/bin"},
      "input": {
        "main.o": {"type": "ACTION", "data": {"id": "compile", "path": "main.o"}},
        "inputs": {"type": "TREE", "data": {"id": "inputs"}}
      },
      "output": ["prog"],
      "may fail": "linking is best effort",
      "timeout scale": 2.5,
      "execution properties": {"pool": "large"}
    }
  }
}`

func loadSample(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.json")
	if err := os.WriteFile(path, []byte(sampleGraph), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestLoadParsesEverything(t *testing.T) {
	f := loadSample(t)
	if len(f.Actions) != 2 || len(f.Trees) != 1 || len(f.Blobs) != 1 {
		t.Fatalf("parsed %d actions, %d trees, %d blobs", len(f.Actions), len(f.Trees), len(f.Blobs))
	}
	link := f.Actions["link"]
	if link.MayFail == nil || *link.MayFail != "linking is best effort" {
		t.Fatalf("may fail: %v", link.MayFail)
	}
	if link.TimeoutScale != 2.5 || link.ExecutionProperties["pool"] != "large" {
		t.Fatalf("link action: %+v", link)
	}
}

func TestPopulateBuildsGraph(t *testing.T) {
	f := loadSample(t)
	hash := hashing.New(hashing.TypeNative)
	g := dag.New()
	if err := f.Populate(g, hash); err != nil {
		t.Fatal(err)
	}
	g.Finalize()
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	// Two command actions plus the tree construction.
	if len(g.Actions()) != 3 {
		t.Fatalf("%d actions in graph", len(g.Actions()))
	}
	link, ok := g.NodeForAction("link")
	if !ok {
		t.Fatal("link action missing")
	}
	if len(link.Inputs()) != 2 {
		t.Fatalf("link has %d inputs", len(link.Inputs()))
	}
	// The compile output feeds link.
	compile, _ := g.NodeForAction("compile")
	out := g.ArtifactNodeByID(compile.OutputFiles()[0].Artifact)
	found := false
	for _, c := range out.Consumers() {
		if c == link.ID() {
			found = true
		}
	}
	if !found {
		t.Fatal("compile output not wired into link")
	}
}

func TestPopulateIsDeterministic(t *testing.T) {
	f := loadSample(t)
	hash := hashing.New(hashing.TypeNative)

	g1, g2 := dag.New(), dag.New()
	if err := f.Populate(g1, hash); err != nil {
		t.Fatal(err)
	}
	if err := f.Populate(g2, hash); err != nil {
		t.Fatal(err)
	}
	if len(g1.Artifacts()) != len(g2.Artifacts()) {
		t.Fatal("node counts differ between runs")
	}
	for i := range g1.Artifacts() {
		if g1.Artifacts()[i].Desc().ID != g2.Artifacts()[i].Desc().ID {
			t.Fatal("artifact ordering differs between runs")
		}
	}
}

func TestArtifactDescKnown(t *testing.T) {
	f := &File{}
	hash := hashing.New(hashing.TypeCompatible)
	raw := Artifact{
		Type: "KNOWN",
		Data: []byte(`{"id": "` + validSHA256 + `", "size": 4, "file_type": "x"}`),
	}
	desc, err := f.ArtifactDesc(hash, raw)
	if err != nil {
		t.Fatal(err)
	}
	if desc.Kind != dag.KindKnown || desc.Digest.Size != 4 || !desc.Type.IsExecutable() {
		t.Fatalf("desc %+v", desc)
	}
}

const validSHA256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestArtifactDescRejectsUnknownReferences(t *testing.T) {
	f := &File{Actions: map[string]Action{}, Trees: map[string]map[string]Artifact{}}
	hash := hashing.New(hashing.TypeNative)

	if _, err := f.ArtifactDesc(hash, Artifact{Type: "ACTION", Data: []byte(`{"id": "ghost", "path": "x"}`)}); err == nil {
		t.Fatal("reference to unknown action accepted")
	}
	if _, err := f.ArtifactDesc(hash, Artifact{Type: "TREE", Data: []byte(`{"id": "ghost"}`)}); err == nil {
		t.Fatal("reference to unknown tree accepted")
	}
	if _, err := f.ArtifactDesc(hash, Artifact{Type: "NONSENSE", Data: []byte(`{}`)}); err == nil {
		t.Fatal("unknown artifact type accepted")
	}
}
