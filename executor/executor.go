// Package executor turns graph nodes into execution-API calls: source
// artifacts are verified or uploaded to the backend, actions become cache
// lookups and executions, and the results are stamped back onto the graph.
// Which backend runs an action is decided per action by the dispatch rules
// over its effective platform properties.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/execapi"
	localapi "github.com/anvilbuild/anvil/execapi/local"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/dcontext"
	"github.com/anvilbuild/anvil/metrics"
	"github.com/anvilbuild/anvil/traverser"
	"github.com/anvilbuild/anvil/workspace"
)

// DefaultBaseTimeout is the unscaled action timeout.
const DefaultBaseTimeout = 300 * time.Second

// Options wires an executor.
type Options struct {
	Graph *dag.Graph

	// API is the default execution backend for this build.
	API execapi.API
	// Local is the local backend; it doubles as the staging source for
	// workspace content and tree overlays. May be the same as API.
	Local *localapi.API

	Roots      *workspace.Roots
	Properties map[string]string
	Dispatch   []DispatchRule
	// Endpoints resolves dispatch rule targets to prepared backends.
	Endpoints map[string]execapi.API

	BaseTimeout time.Duration
	Stats       *metrics.Stats
}

// Executor processes graph nodes for the traverser.
type Executor struct {
	opts Options
}

var _ traverser.Processor = (*Executor)(nil)

// New validates the wiring and returns an executor.
func New(opts Options) (*Executor, error) {
	if opts.Graph == nil || opts.API == nil || opts.Local == nil {
		return nil, errors.New("executor: graph and backends are mandatory")
	}
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = DefaultBaseTimeout
	}
	if opts.Stats == nil {
		opts.Stats = metrics.New()
	}
	if opts.Roots == nil {
		opts.Roots = workspace.NewRoots()
	}
	for _, rule := range opts.Dispatch {
		if _, ok := opts.Endpoints[rule.Endpoint]; !ok {
			return nil, fmt.Errorf("dispatch rule names unconfigured endpoint %q", rule.Endpoint)
		}
	}
	return &Executor{opts: opts}, nil
}

// Stats returns the sink the executor reports into.
func (e *Executor) Stats() *metrics.Stats {
	return e.opts.Stats
}

// ProcessArtifact makes a source artifact available on the backend:
// verify-or-upload. Known digests are probed remotely, then locally, then
// resolved from the workspace roots; content that hashes differently from
// its declared digest fails the build.
func (e *Executor) ProcessArtifact(ctx context.Context, node *dag.ArtifactNode) bool {
	log := dcontext.GetLogger(ctx)
	desc := node.Desc()

	switch desc.Kind {
	case dag.KindKnown:
		info := anvil.ObjectInfo{Digest: desc.Digest, Type: desc.Type}
		if err := e.ensureAvailable(ctx, info, desc); err != nil {
			log.Errorf("artifact %s: %v", desc.ID, err)
			return false
		}
		node.SetObjectInfo(info)
		return true

	case dag.KindLocal:
		data, executable, err := e.opts.Roots.Read(desc.Repository, desc.Path)
		if err != nil {
			log.Errorf("artifact %s: reading %s from root %q: %v", desc.ID, desc.Path, desc.Repository, err)
			return false
		}
		t := anvil.ObjectFile
		if executable {
			t = anvil.ObjectExecutable
		}
		d := e.hash().HashBlob(data)
		blob := anvil.NewBlobFromBytes(d, data, executable)
		if err := e.opts.API.Upload(ctx, []anvil.ArtifactBlob{blob}, false); err != nil {
			log.Errorf("artifact %s: uploading: %v", desc.ID, err)
			return false
		}
		e.opts.Stats.BytesUploaded.Add(d.Size)
		node.SetObjectInfo(anvil.ObjectInfo{Digest: d, Type: t})
		return true
	}

	log.Errorf("artifact %s: not a source artifact", desc.ID)
	return false
}

// ensureAvailable guarantees a known digest is present on the backend.
func (e *Executor) ensureAvailable(ctx context.Context, info anvil.ObjectInfo, desc dag.ArtifactDesc) error {
	if e.opts.API.IsAvailable(ctx, info.Digest) {
		return nil
	}
	if e.opts.Local.CAS().Contains(info.Digest) {
		return e.opts.Local.RetrieveToCas(ctx, []anvil.ObjectInfo{info}, e.opts.API)
	}
	if desc.Path == "" {
		return anvil.DigestError{Hex: info.Digest.Hex, Err: anvil.ErrNotFound}
	}
	data, executable, err := e.opts.Roots.Read(desc.Repository, desc.Path)
	if err != nil {
		return err
	}
	got := e.hash().HashBlob(data)
	if got.Hex != info.Digest.Hex {
		return fmt.Errorf("content of %s hashes to %s, declared %s", desc.Path, got.Short(), info.Digest.Short())
	}
	blob := anvil.NewBlobFromBytes(got, data, executable)
	return e.opts.API.Upload(ctx, []anvil.ArtifactBlob{blob}, true)
}

// ProcessAction runs one ready action and stamps its outputs.
func (e *Executor) ProcessAction(ctx context.Context, node *dag.ActionNode) bool {
	e.opts.Stats.ActionsQueued.Add(1)
	log := dcontext.GetLoggerWithField(ctx, "action", node.Desc().ID)

	named, failedInput, ok := e.collectInputs(node, log)
	if !ok {
		return false
	}

	desc := node.Desc()
	switch desc.Kind {
	case dag.KindTree:
		api := e.opts.API
		d, err := api.UploadTree(ctx, named)
		if err != nil {
			log.Errorf("assembling tree: %v", err)
			return false
		}
		info := anvil.ObjectInfo{Digest: d, Type: anvil.ObjectTree, Failed: failedInput}
		for _, out := range node.Outputs() {
			e.opts.Graph.ArtifactNodeByID(out.Artifact).SetObjectInfo(info)
		}
		return true

	case dag.KindTreeOverlay, dag.KindDisjointTreeOverlay:
		return e.processOverlay(ctx, node, named, failedInput)
	}

	resp, err := e.executeCommand(ctx, node, e.apiFor(desc), e.defaultFlag(desc), named)
	if err != nil {
		log.Errorf("%v", err)
		e.opts.Stats.ActionsFailed.Add(1)
		return false
	}
	return e.finishCommand(ctx, node, resp, failedInput)
}

// collectInputs gathers the staged inputs and whether any of them is the
// output of an action that was allowed to fail and did.
func (e *Executor) collectInputs(node *dag.ActionNode, log dcontext.Logger) ([]execapi.NamedObject, bool, bool) {
	named := make([]execapi.NamedObject, 0, len(node.Inputs()))
	failed := false
	for _, in := range node.Inputs() {
		art := e.opts.Graph.ArtifactNodeByID(in.Artifact)
		info := art.ObjectInfo()
		if info == nil {
			log.Errorf("input %s processed before it became available", in.Path)
			return nil, false, false
		}
		failed = failed || info.Failed
		named = append(named, execapi.NamedObject{Path: in.Path, Info: *info})
	}
	return named, failed, true
}

// executeCommand uploads the input root, creates the action on the chosen
// backend and executes it.
func (e *Executor) executeCommand(ctx context.Context, node *dag.ActionNode, api execapi.API,
	flag execapi.CacheFlag, named []execapi.NamedObject) (*execapi.Response, error) {
	desc := node.Desc()

	root, err := api.UploadTree(ctx, named)
	if err != nil {
		return nil, fmt.Errorf("staging input root: %w", err)
	}

	outFiles := make([]string, 0, len(node.OutputFiles()))
	for _, o := range node.OutputFiles() {
		outFiles = append(outFiles, o.Path)
	}
	outDirs := make([]string, 0, len(node.OutputDirs()))
	for _, o := range node.OutputDirs() {
		outDirs = append(outDirs, o.Path)
	}

	action, err := api.CreateAction(root, desc.Command, desc.Cwd, outFiles, outDirs,
		desc.Env, e.effectiveProperties(desc))
	if err != nil {
		return nil, err
	}
	action.SetCacheFlag(flag)
	action.SetTimeout(e.scaledTimeout(desc))

	resp, err := action.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if resp.IsCached {
		e.opts.Stats.ActionsCached.Add(1)
	} else {
		e.opts.Stats.ActionsExecuted.Add(1)
	}
	return resp, nil
}

// finishCommand validates the response and stamps the outputs.
func (e *Executor) finishCommand(ctx context.Context, node *dag.ActionNode, resp *execapi.Response, failedInput bool) bool {
	log := dcontext.GetLoggerWithField(ctx, "action", node.Desc().ID)
	desc := node.Desc()

	failed := failedInput
	if resp.ExitCode != 0 {
		if desc.MayFail == nil {
			e.reportFailure(ctx, log, node, resp)
			e.opts.Stats.ActionsFailed.Add(1)
			return false
		}
		log.Warnf("%s (exit %d)", *desc.MayFail, resp.ExitCode)
		failed = true
	}

	if err := e.validateOutputs(node, resp); err != nil {
		log.Errorf("%v", err)
		e.opts.Stats.ActionsFailed.Add(1)
		return false
	}

	return e.stampOutputs(node, resp, failed)
}

// validateOutputs checks that every declared output materialized with an
// admissible type: files as file, executable or symlink; directories as
// tree or symlink.
func (e *Executor) validateOutputs(node *dag.ActionNode, resp *execapi.Response) error {
	for _, out := range node.OutputFiles() {
		if info, ok := resp.Artifacts[out.Path]; ok {
			if info.Type == anvil.ObjectTree {
				return fmt.Errorf("declared output file %q materialized as a directory", out.Path)
			}
			continue
		}
		if _, ok := resp.Symlinks[out.Path]; ok {
			continue
		}
		return fmt.Errorf("declared output file %q was not created", out.Path)
	}
	for _, out := range node.OutputDirs() {
		if info, ok := resp.Artifacts[out.Path]; ok {
			if info.Type != anvil.ObjectTree {
				return fmt.Errorf("declared output directory %q materialized as a %s", out.Path, info.Type)
			}
			continue
		}
		if _, ok := resp.Symlinks[out.Path]; ok {
			continue
		}
		return fmt.Errorf("declared output directory %q was not created", out.Path)
	}
	return nil
}

// stampOutputs writes ObjectInfo onto every output artifact node.
func (e *Executor) stampOutputs(node *dag.ActionNode, resp *execapi.Response, failed bool) bool {
	for _, out := range node.Outputs() {
		art := e.opts.Graph.ArtifactNodeByID(out.Artifact)
		if info, ok := resp.Artifacts[out.Path]; ok {
			info.Failed = failed
			art.SetObjectInfo(info)
			continue
		}
		target := resp.Symlinks[out.Path]
		d := e.hash().HashBlob([]byte(target))
		art.SetObjectInfo(anvil.ObjectInfo{Digest: d, Type: anvil.ObjectSymlink, Failed: failed})
	}
	return true
}

func (e *Executor) reportFailure(ctx context.Context, log dcontext.Logger, node *dag.ActionNode, resp *execapi.Response) {
	log.Errorf("action failed with exit code %d", resp.ExitCode)
	if errOut, err := resp.StdErr(ctx); err == nil && len(errOut) > 0 {
		log.Errorf("stderr:\n%s", string(errOut))
	}
	if out, err := resp.StdOut(ctx); err == nil && len(out) > 0 {
		log.Infof("stdout:\n%s", string(out))
	}
}

// effectiveProperties overlays the action's execution properties onto the
// build's base platform properties; the overlay wins.
func (e *Executor) effectiveProperties(desc dag.ActionDesc) map[string]string {
	merged := make(map[string]string, len(e.opts.Properties)+len(desc.ExecutionProperties))
	for k, v := range e.opts.Properties {
		merged[k] = v
	}
	for k, v := range desc.ExecutionProperties {
		merged[k] = v
	}
	return merged
}

// apiFor picks the backend: the first dispatch rule matching the effective
// properties redirects this action to its alternative endpoint.
func (e *Executor) apiFor(desc dag.ActionDesc) execapi.API {
	props := e.effectiveProperties(desc)
	if endpoint, ok := Match(e.opts.Dispatch, props); ok {
		return e.opts.Endpoints[endpoint]
	}
	return e.opts.API
}

func (e *Executor) defaultFlag(desc dag.ActionDesc) execapi.CacheFlag {
	if desc.NoCache {
		return execapi.DoNotCacheOutput
	}
	return execapi.CacheOutput
}

func (e *Executor) scaledTimeout(desc dag.ActionDesc) time.Duration {
	scale := desc.TimeoutScale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(float64(e.opts.BaseTimeout) * scale)
}

func (e *Executor) hash() hashing.Function {
	return e.opts.API.HashFunction()
}
