// Package execapi defines the capability interface between the executor and
// an execution backend. Two implementations exist: local (runs actions in
// sandboxes staged from the local CAS) and remote (speaks the Remote
// Execution API v2). The executor only ever talks through this interface;
// which backend serves an action is a per-action dispatch decision.
package execapi

import (
	"context"
	"time"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
)

// CacheFlag steers how an action interacts with the action cache.
type CacheFlag int8

const (
	// CacheOutput executes and caches a successful result.
	CacheOutput CacheFlag = iota
	// DoNotCacheOutput executes and never caches.
	DoNotCacheOutput
	// FromCacheOnly serves only cached results and never executes. Used
	// by the rebuilder against its comparison endpoint.
	FromCacheOnly
	// PretendCached executes without consulting the cache but reports
	// the result as cached. Used by the rebuilder's fresh run.
	PretendCached
)

// NamedObject pairs a logical path with the object staged there.
type NamedObject struct {
	Path string
	Info anvil.ObjectInfo
}

// Action is one prepared execution, bound to a backend.
type Action interface {
	// Execute runs (or serves from cache) and returns the response.
	Execute(ctx context.Context) (*Response, error)
	// SetCacheFlag overrides the cache interaction; the default is
	// CacheOutput.
	SetCacheFlag(flag CacheFlag)
	// SetTimeout overrides the backend's default action timeout.
	SetTimeout(d time.Duration)
}

// API is the uniform surface of an execution backend.
type API interface {
	// CreateAction prepares an execution against this backend.
	CreateAction(rootDigest hashing.Digest, command []string, cwd string,
		outputFiles, outputDirs []string, env map[string]string,
		properties map[string]string) (Action, error)

	// IsAvailable is the fast existence probe used before uploads.
	IsAvailable(ctx context.Context, digest hashing.Digest) bool

	// MissingDigests returns the subset of digests the backend does not
	// hold. Unsure means missing.
	MissingDigests(ctx context.Context, digests []hashing.Digest) ([]hashing.Digest, error)

	// Upload inserts blobs. Callers that just ran MissingDigests set
	// skipFindMissing to spare the round trip.
	Upload(ctx context.Context, blobs []anvil.ArtifactBlob, skipFindMissing bool) error

	// UploadTree assembles a directory tree from named artifacts and
	// uploads every blob and subtree the result references, children
	// before parents. After a successful return the returned tree digest
	// and its full closure are available on this backend.
	UploadTree(ctx context.Context, artifacts []NamedObject) (hashing.Digest, error)

	// RetrieveToPaths materializes objects at the given filesystem
	// paths; trees fan out recursively.
	RetrieveToPaths(ctx context.Context, objects []anvil.ObjectInfo, paths []string) error

	// RetrieveToFds streams objects into open file descriptors. With
	// rawTree set, tree objects are written in their serialized form
	// instead of being dumped recursively.
	RetrieveToFds(ctx context.Context, objects []anvil.ObjectInfo, fds []int, rawTree bool) error

	// RetrieveToCas copies objects (trees recursively) into another
	// backend's CAS.
	RetrieveToCas(ctx context.Context, objects []anvil.ObjectInfo, other API) error

	// RetrieveToMemory returns an object's content.
	RetrieveToMemory(ctx context.Context, object anvil.ObjectInfo) ([]byte, error)

	// SplitBlob chunks a blob on the backend and returns the chunk
	// digests. Only valid if BlobSplitSupport.
	SplitBlob(ctx context.Context, digest hashing.Digest) ([]hashing.Digest, error)

	// SpliceBlob reassembles a blob from chunks on the backend. Only
	// valid if BlobSpliceSupport.
	SpliceBlob(ctx context.Context, digest hashing.Digest, chunks []hashing.Digest) (hashing.Digest, error)

	// BlobSplitSupport and BlobSpliceSupport report the backend's
	// large-object capabilities.
	BlobSplitSupport(ctx context.Context) bool
	BlobSpliceSupport(ctx context.Context) bool

	// HashFunction returns the digest family this backend speaks.
	HashFunction() hashing.Function

	// Address returns the backend endpoint, empty for local.
	Address() string
}

// Response is the outcome of one action execution.
type Response struct {
	ExitCode int
	IsCached bool

	// ActionDigest fingerprints the executed action.
	ActionDigest hashing.Digest

	// Artifacts maps declared output paths (files and directories) to
	// their stored objects.
	Artifacts map[string]anvil.ObjectInfo

	// Symlinks maps declared output paths that materialized as symlinks
	// to their targets.
	Symlinks map[string]string

	// StdOutDigest and StdErrDigest reference the captured streams in
	// the backend's CAS; zero digests mean the stream was empty.
	StdOutDigest hashing.Digest
	StdErrDigest hashing.Digest

	api API
}

// NewResponse binds a response to the backend that produced it, for lazy
// stream retrieval.
func NewResponse(api API) *Response {
	return &Response{
		Artifacts: make(map[string]anvil.ObjectInfo),
		Symlinks:  make(map[string]string),
		api:       api,
	}
}

// StdOut fetches the captured standard output.
func (r *Response) StdOut(ctx context.Context) ([]byte, error) {
	return r.stream(ctx, r.StdOutDigest)
}

// StdErr fetches the captured standard error.
func (r *Response) StdErr(ctx context.Context) ([]byte, error) {
	return r.stream(ctx, r.StdErrDigest)
}

func (r *Response) stream(ctx context.Context, d hashing.Digest) ([]byte, error) {
	if d.Hex == "" || r.api == nil {
		return nil, nil
	}
	return r.api.RetrieveToMemory(ctx, anvil.ObjectInfo{Digest: d, Type: anvil.ObjectFile})
}
