package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/internal/dcontext"
)

// Rebuilder executes every action twice: once fresh, bypassing cache reads
// (PretendCached), and once against a comparison endpoint that only serves
// cached results (FromCacheOnly). Differing outputs mean the action is not
// reproducible — flaky — while a missing cached counterpart is recorded as
// a cache miss. The fresh result is what the build continues with.
type Rebuilder struct {
	*Executor

	// CacheAPI serves the comparison results.
	CacheAPI execapi.API

	mu          sync.Mutex
	flaky       []Mismatch
	cacheMisses []string
}

// Mismatch records one path whose fresh and cached artifacts differ.
type Mismatch struct {
	ActionID string
	Path     string
	Fresh    anvil.ObjectInfo
	Cached   anvil.ObjectInfo
}

// NewRebuilder wraps an executor for double execution.
func NewRebuilder(e *Executor, cacheAPI execapi.API) *Rebuilder {
	return &Rebuilder{Executor: e, CacheAPI: cacheAPI}
}

// Flaky returns the recorded mismatches.
func (r *Rebuilder) Flaky() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch(nil), r.flaky...)
}

// CacheMisses returns the actions without a cached counterpart.
func (r *Rebuilder) CacheMisses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cacheMisses...)
}

// ProcessAction executes fresh, compares against the cache endpoint and
// stamps the fresh outputs.
func (r *Rebuilder) ProcessAction(ctx context.Context, node *dag.ActionNode) bool {
	desc := node.Desc()
	if desc.Kind != dag.KindCommand {
		// Directory constructions are deterministic by definition.
		return r.Executor.ProcessAction(ctx, node)
	}

	r.opts.Stats.ActionsQueued.Add(1)
	log := dcontext.GetLoggerWithField(ctx, "action", desc.ID)

	named, failedInput, ok := r.collectInputs(node, log)
	if !ok {
		return false
	}

	fresh, err := r.executeCommand(ctx, node, r.apiFor(desc), execapi.PretendCached, named)
	if err != nil {
		log.Errorf("%v", err)
		r.opts.Stats.ActionsFailed.Add(1)
		return false
	}

	r.compare(ctx, node, named, fresh)

	return r.finishCommand(ctx, node, fresh, failedInput)
}

func (r *Rebuilder) compare(ctx context.Context, node *dag.ActionNode,
	named []execapi.NamedObject, fresh *execapi.Response) {
	log := dcontext.GetLoggerWithField(ctx, "action", node.Desc().ID)

	cached, err := r.executeCommand(ctx, node, r.CacheAPI, execapi.FromCacheOnly, named)
	if err != nil {
		if errors.Is(err, anvil.ErrNotFound) {
			r.opts.Stats.CacheMisses.Add(1)
			r.mu.Lock()
			r.cacheMisses = append(r.cacheMisses, node.Desc().ID)
			r.mu.Unlock()
			return
		}
		log.Warnf("comparison endpoint: %v", err)
		return
	}

	flagged := false
	for path, freshInfo := range fresh.Artifacts {
		cachedInfo, ok := cached.Artifacts[path]
		if ok && cachedInfo.Digest.Hex == freshInfo.Digest.Hex && cachedInfo.Type == freshInfo.Type {
			continue
		}
		flagged = true
		r.mu.Lock()
		r.flaky = append(r.flaky, Mismatch{
			ActionID: node.Desc().ID,
			Path:     path,
			Fresh:    freshInfo,
			Cached:   cachedInfo,
		})
		r.mu.Unlock()
		log.Warnf("flaky output %q: fresh %s, cached %s", path, freshInfo.Digest.Short(), cachedInfo.Digest.Short())
	}
	if flagged {
		r.opts.Stats.ActionsFlaky.Add(1)
	}
}
