// Package graphfile loads a JSON description of an action graph — the
// hand-off format between the target-level front end and this tool — and
// populates the dependency DAG from it. The document names actions with
// their commands, inputs, and declared outputs; artifacts are described by
// kind: local workspace files, known digests, action outputs, or named
// trees that become directory-construction actions.
package graphfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/hashing"
)

// File is the parsed graph document.
type File struct {
	// Blobs are literal strings seeded into the CAS before the build;
	// known artifacts may reference their digests.
	Blobs []string `json:"blobs,omitempty"`

	// Trees names flat path→artifact maps that build directories.
	Trees map[string]map[string]Artifact `json:"trees,omitempty"`

	// Actions keys action identifiers to their descriptions.
	Actions map[string]Action `json:"actions"`
}

// Action is one action description.
type Action struct {
	Command             []string            `json:"command"`
	Env                 map[string]string   `json:"env,omitempty"`
	Cwd                 string              `json:"cwd,omitempty"`
	Inputs              map[string]Artifact `json:"input,omitempty"`
	OutputFiles         []string            `json:"output,omitempty"`
	OutputDirs          []string            `json:"output dirs,omitempty"`
	MayFail             *string             `json:"may fail,omitempty"`
	NoCache             bool                `json:"no cache,omitempty"`
	TimeoutScale        float64             `json:"timeout scale,omitempty"`
	ExecutionProperties map[string]string   `json:"execution properties,omitempty"`
}

// Artifact is a tagged artifact description.
type Artifact struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type localData struct {
	Path       string `json:"path"`
	Repository string `json:"repository"`
}

type knownData struct {
	ID       string `json:"id"`
	Size     int64  `json:"size"`
	FileType string `json:"file_type"`
}

type actionData struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type treeData struct {
	ID string `json:"id"`
}

// Load reads and parses the document at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing graph file %s: %w", path, err)
	}
	return &f, nil
}

// Populate registers every action (tree constructions included) in the
// graph. The hash function derives stable artifact identifiers from the
// descriptions.
func (f *File) Populate(g *dag.Graph, hash hashing.Function) error {
	// Deterministic insertion order keeps node ids stable across runs.
	treeIDs := make([]string, 0, len(f.Trees))
	for id := range f.Trees {
		treeIDs = append(treeIDs, id)
	}
	sort.Strings(treeIDs)
	for _, id := range treeIDs {
		if err := f.addTree(g, hash, id); err != nil {
			return err
		}
	}

	actionIDs := make([]string, 0, len(f.Actions))
	for id := range f.Actions {
		actionIDs = append(actionIDs, id)
	}
	sort.Strings(actionIDs)
	for _, id := range actionIDs {
		action := f.Actions[id]
		inputs, err := f.namedInputs(hash, action.Inputs)
		if err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
		desc := dag.ActionDesc{
			ID:                  id,
			Kind:                dag.KindCommand,
			Command:             action.Command,
			Env:                 action.Env,
			Cwd:                 action.Cwd,
			MayFail:             action.MayFail,
			NoCache:             action.NoCache,
			TimeoutScale:        action.TimeoutScale,
			ExecutionProperties: action.ExecutionProperties,
		}
		if _, err := g.AddAction(desc, inputs, action.OutputFiles, action.OutputDirs); err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
	}
	return nil
}

// addTree registers a named tree as a directory-construction action with a
// single output directory artifact.
func (f *File) addTree(g *dag.Graph, hash hashing.Function, id string) error {
	content := f.Trees[id]
	inputs, err := f.namedInputs(hash, content)
	if err != nil {
		return fmt.Errorf("tree %s: %w", id, err)
	}
	desc := dag.ActionDesc{ID: treeActionID(id), Kind: dag.KindTree}
	if _, err := g.AddAction(desc, inputs, nil, []string{"."}); err != nil {
		return fmt.Errorf("tree %s: %w", id, err)
	}
	return nil
}

func treeActionID(id string) string {
	return "tree:" + id
}

func (f *File) namedInputs(hash hashing.Function, m map[string]Artifact) ([]dag.NamedArtifactDesc, error) {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]dag.NamedArtifactDesc, 0, len(m))
	for _, p := range paths {
		desc, err := f.artifactDesc(hash, m[p])
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", p, err)
		}
		out = append(out, dag.NamedArtifactDesc{Path: p, Artifact: desc})
	}
	return out, nil
}

// ArtifactDesc resolves a description into the graph's descriptor form.
func (f *File) ArtifactDesc(hash hashing.Function, a Artifact) (dag.ArtifactDesc, error) {
	return f.artifactDesc(hash, a)
}

func (f *File) artifactDesc(hash hashing.Function, a Artifact) (dag.ArtifactDesc, error) {
	switch a.Type {
	case "LOCAL":
		var data localData
		if err := json.Unmarshal(a.Data, &data); err != nil {
			return dag.ArtifactDesc{}, err
		}
		return dag.ArtifactDesc{
			ID:         descID(hash, "local", data.Repository, data.Path),
			Kind:       dag.KindLocal,
			Path:       data.Path,
			Repository: data.Repository,
		}, nil

	case "KNOWN":
		var data knownData
		if err := json.Unmarshal(a.Data, &data); err != nil {
			return dag.ArtifactDesc{}, err
		}
		if data.FileType == "" {
			data.FileType = "f"
		}
		t, err := anvil.ObjectTypeFromMarker(data.FileType[0])
		if err != nil {
			return dag.ArtifactDesc{}, err
		}
		d, err := hashing.NewDigest(hash, data.ID, data.Size, t.IsTree())
		if err != nil {
			return dag.ArtifactDesc{}, err
		}
		return dag.ArtifactDesc{
			ID:     descID(hash, "known", data.ID, data.FileType),
			Kind:   dag.KindKnown,
			Digest: d,
			Type:   t,
		}, nil

	case "ACTION":
		var data actionData
		if err := json.Unmarshal(a.Data, &data); err != nil {
			return dag.ArtifactDesc{}, err
		}
		if _, ok := f.Actions[data.ID]; !ok {
			return dag.ArtifactDesc{}, fmt.Errorf("unknown action %q", data.ID)
		}
		return dag.ArtifactDesc{
			ID:         data.ID + "#" + data.Path,
			Kind:       dag.KindAction,
			ActionID:   data.ID,
			OutputPath: data.Path,
		}, nil

	case "TREE":
		var data treeData
		if err := json.Unmarshal(a.Data, &data); err != nil {
			return dag.ArtifactDesc{}, err
		}
		if _, ok := f.Trees[data.ID]; !ok {
			return dag.ArtifactDesc{}, fmt.Errorf("unknown tree %q", data.ID)
		}
		return dag.ArtifactDesc{
			ID:         treeActionID(data.ID) + "#.",
			Kind:       dag.KindAction,
			ActionID:   treeActionID(data.ID),
			OutputPath: ".",
		}, nil
	}
	return dag.ArtifactDesc{}, fmt.Errorf("unknown artifact type %q", a.Type)
}

// descID derives a stable identifier from the description fields.
func descID(hash hashing.Function, parts ...string) string {
	joined, _ := json.Marshal(parts)
	return hash.HashPlain(joined)
}
