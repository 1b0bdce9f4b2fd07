package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/executor"
	"github.com/anvilbuild/anvil/graphfile"
	"github.com/anvilbuild/anvil/internal/dcontext"
	"github.com/anvilbuild/anvil/traverser"
	"github.com/anvilbuild/anvil/workspace"
)

var buildOpts struct {
	graphFile      string
	workspaceRoots []string
}

var buildCmd = &cobra.Command{
	Use:   "build --graph-file FILE ARTIFACT...",
	Short: "build the requested artifacts from an action graph",
	Long: `Build loads a JSON action-graph description, ensures every referenced
blob and tree is present in the content-addressable store, executes the
actions the requested artifacts depend on, and reports their digests.

Artifacts are given as JSON descriptions, for example:

  '{"type": "ACTION", "data": {"id": "...", "path": "out/binary"}}'`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnvironment(true)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		defer env.release()

		results, _, ok := runBuild(env, args, nil)
		if !ok {
			os.Exit(exitFailure)
		}
		reportResults(env, results)
	},
}

// traverseCmd is the bare graph-traversal entry: identical machinery, kept
// as its own verb so front ends can hand over a graph without implying
// target-level analysis happened here.
var traverseCmd = &cobra.Command{
	Use:   "traverse --graph-file FILE ARTIFACT...",
	Short: "build artifacts from a graph file without target-level analysis",
	Args:  cobra.MinimumNArgs(1),
	Run:   buildCmd.Run,
}

func init() {
	for _, cmd := range []*cobra.Command{buildCmd, traverseCmd, installCmd, rebuildCmd} {
		cmd.Flags().StringVarP(&buildOpts.graphFile, "graph-file", "g", "", "path to the action-graph description")
		cmd.Flags().StringArrayVar(&buildOpts.workspaceRoots, "workspace-root", nil,
			"workspace root as NAME=DIR or NAME=git:REPO:TREEHEX; may be repeated")
		cmd.MarkFlagRequired("graph-file")
	}
}

type buildResult struct {
	name string
	info anvil.ObjectInfo
}

// runBuild drives one traversal: load the graph, seed literal blobs, wire
// the executor (wrapped by wrap, if given) and build the requested
// artifacts.
func runBuild(env *environment, args []string, wrap func(*executor.Executor) traverser.Processor) ([]buildResult, *dag.Graph, bool) {
	log := dcontext.GetLogger(env.ctx)

	file, err := graphfile.Load(buildOpts.graphFile)
	if err != nil {
		log.Errorf("%v", err)
		return nil, nil, false
	}
	for _, blob := range file.Blobs {
		if _, err := env.store.StoreBlob([]byte(blob), false); err != nil {
			log.Errorf("seeding blob: %v", err)
			return nil, nil, false
		}
	}

	graph := dag.New()
	if err := file.Populate(graph, env.storeCfg.Hash); err != nil {
		log.Errorf("%v", err)
		return nil, nil, false
	}

	targets := make([]dag.ArtifactID, 0, len(args))
	names := make([]string, 0, len(args))
	for _, arg := range args {
		var a graphfile.Artifact
		if err := json.Unmarshal([]byte(arg), &a); err != nil {
			log.Errorf("artifact %q: %v", arg, err)
			return nil, nil, false
		}
		desc, err := file.ArtifactDesc(env.storeCfg.Hash, a)
		if err != nil {
			log.Errorf("artifact %q: %v", arg, err)
			return nil, nil, false
		}
		id, err := graph.AddArtifact(desc)
		if err != nil {
			log.Errorf("artifact %q: %v", arg, err)
			return nil, nil, false
		}
		targets = append(targets, id)
		names = append(names, displayName(desc))
	}

	graph.Finalize()
	if err := graph.Validate(); err != nil {
		log.Errorf("%v", err)
		return nil, nil, false
	}

	roots, err := parseWorkspaceRoots(buildOpts.workspaceRoots)
	if err != nil {
		log.Errorf("%v", err)
		return nil, nil, false
	}

	exec, err := executor.New(executor.Options{
		Graph:       graph,
		API:         env.api,
		Local:       env.local,
		Roots:       roots,
		Properties:  env.config.Properties,
		Dispatch:    env.dispatch,
		Endpoints:   env.endpoints,
		BaseTimeout: env.baseTimeout(),
		Stats:       env.stats,
	})
	if err != nil {
		log.Errorf("%v", err)
		return nil, nil, false
	}

	var proc traverser.Processor = exec
	if wrap != nil {
		proc = wrap(exec)
	}

	ok := traverser.New(graph, proc, env.config.Jobs).Traverse(env.ctx, targets)
	logStats(env)
	if !ok {
		return nil, nil, false
	}

	results := make([]buildResult, 0, len(targets))
	for i, id := range targets {
		info := graph.ArtifactNodeByID(id).ObjectInfo()
		if info == nil {
			log.Errorf("artifact %s was not built", names[i])
			return nil, nil, false
		}
		results = append(results, buildResult{name: names[i], info: *info})
	}
	return results, graph, true
}

// reportResults prints the built artifacts and exits with the code the
// outcome calls for: 2 when the build completed but produced a failed
// artifact.
func reportResults(env *environment, results []buildResult) {
	anyFailed := false
	for _, r := range results {
		marker := ""
		if r.info.Failed {
			marker = " FAILED"
			anyFailed = true
		}
		fmt.Printf("%s %s%s\n", r.name, r.info, marker)
	}
	if anyFailed {
		os.Exit(exitFailedArtifact)
	}
}

func logStats(env *environment) {
	dcontext.GetLogger(env.ctx).Infof(
		"processed %d actions (%d cached, %d executed, %d failed)",
		env.stats.ActionsQueued.Load(),
		env.stats.ActionsCached.Load(),
		env.stats.ActionsExecuted.Load(),
		env.stats.ActionsFailed.Load(),
	)
}

func displayName(desc dag.ArtifactDesc) string {
	switch desc.Kind {
	case dag.KindLocal:
		return desc.Path
	case dag.KindAction:
		return desc.OutputPath
	}
	return desc.ID
}

// parseWorkspaceRoots reads NAME=DIR and NAME=git:REPO:TREEHEX flags. The
// unnamed root defaults to the working directory.
func parseWorkspaceRoots(specs []string) (*workspace.Roots, error) {
	roots := workspace.NewRoots()
	if cwd, err := os.Getwd(); err == nil {
		roots.AddFileRoot("", cwd)
	}
	for _, spec := range specs {
		name, value, found := strings.Cut(spec, "=")
		if !found {
			return nil, fmt.Errorf("workspace root %q: want NAME=DIR", spec)
		}
		if rest, ok := strings.CutPrefix(value, "git:"); ok {
			repo, tree, found := strings.Cut(rest, ":")
			if !found {
				return nil, fmt.Errorf("workspace root %q: want NAME=git:REPO:TREEHEX", spec)
			}
			if err := roots.AddGitRoot(name, repo, tree); err != nil {
				return nil, err
			}
			continue
		}
		roots.AddFileRoot(name, value)
	}
	return roots, nil
}
