// Package local implements the execution API against the local CAS and a
// process launcher. Actions run in sandboxes staged by hardlinking from the
// store into a fresh directory under the ephemeral area; outputs are
// ingested back into the CAS and successful cacheable results recorded in
// the local action cache.
package local

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/actioncache"
	"github.com/anvilbuild/anvil/storage/cas"
)

// DefaultTimeout bounds an action that does not scale it.
const DefaultTimeout = 300 * time.Second

// Config tunes the local backend.
type Config struct {
	// Launcher is prepended to every command line; the default is
	// "env --", which passes the command through unchanged.
	Launcher []string
	// DefaultTimeout bounds actions; scaled per action by the executor.
	DefaultTimeout time.Duration
}

func (c Config) launcher() []string {
	if c.Launcher == nil {
		return []string{"env", "--"}
	}
	return c.Launcher
}

func (c Config) timeout() time.Duration {
	if c.DefaultTimeout <= 0 {
		return DefaultTimeout
	}
	return c.DefaultTimeout
}

// API is the local execution backend.
type API struct {
	cas *cas.CAS
	ac  *actioncache.Cache
	cfg Config
}

var _ execapi.API = (*API)(nil)

// New binds a local backend to a store and action cache.
func New(store *cas.CAS, ac *actioncache.Cache, cfg Config) *API {
	return &API{cas: store, ac: ac, cfg: cfg}
}

// HashFunction returns the store's digest family.
func (a *API) HashFunction() hashing.Function {
	return a.cas.Hash()
}

// Address identifies the backend; local backends have none.
func (a *API) Address() string {
	return ""
}

// CAS exposes the backing store; the executor stages source artifacts
// through it.
func (a *API) CAS() *cas.CAS {
	return a.cas
}

// CreateAction prepares a local execution.
func (a *API) CreateAction(rootDigest hashing.Digest, command []string, cwd string,
	outputFiles, outputDirs []string, env map[string]string,
	properties map[string]string) (execapi.Action, error) {
	return &action{
		api: a,
		spec: execapi.ActionSpec{
			RootDigest:  rootDigest,
			Command:     command,
			Cwd:         cwd,
			OutputFiles: outputFiles,
			OutputDirs:  outputDirs,
			Env:         env,
			Properties:  properties,
			Timeout:     a.cfg.timeout(),
		},
	}, nil
}

// IsAvailable probes the local store.
func (a *API) IsAvailable(_ context.Context, digest hashing.Digest) bool {
	return a.cas.Contains(digest)
}

// MissingDigests filters to the digests the store does not hold.
func (a *API) MissingDigests(_ context.Context, digests []hashing.Digest) ([]hashing.Digest, error) {
	var missing []hashing.Digest
	for _, d := range digests {
		if !a.cas.Contains(d) {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Upload inserts blobs into the local store, verifying their digests.
func (a *API) Upload(_ context.Context, blobs []anvil.ArtifactBlob, _ bool) error {
	for _, b := range blobs {
		if err := a.storeBlob(b); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) storeBlob(b anvil.ArtifactBlob) error {
	var (
		stored hashing.Digest
		err    error
	)
	switch {
	case b.Digest.IsTree && !b.InMemory():
		stored, err = a.cas.StoreTreeFile(b.Path(), false)
	case b.Digest.IsTree:
		data, derr := b.Bytes()
		if derr != nil {
			return derr
		}
		stored, err = a.cas.StoreTree(data)
	case !b.InMemory():
		stored, err = a.cas.StoreBlobFile(b.Path(), b.IsExecutable, false)
	default:
		data, derr := b.Bytes()
		if derr != nil {
			return derr
		}
		stored, err = a.cas.StoreBlob(data, b.IsExecutable)
	}
	if err != nil {
		return err
	}
	if stored.Hex != b.Digest.Hex {
		return fmt.Errorf("uploaded blob hashes to %s, expected %s", stored.Short(), b.Digest.Short())
	}
	return nil
}

// UploadTree assembles a tree over content already present in the store.
func (a *API) UploadTree(ctx context.Context, artifacts []execapi.NamedObject) (hashing.Digest, error) {
	builder := &execapi.TreeBuilder{
		Hash: a.cas.Hash(),
		ReadBlob: func(_ context.Context, d hashing.Digest) ([]byte, error) {
			return a.readBlob(d)
		},
		Emit: func(_ context.Context, data []byte, d hashing.Digest) error {
			stored, err := a.cas.StoreTree(data)
			if err != nil {
				return err
			}
			if stored.Hex != d.Hex {
				return fmt.Errorf("stored tree hashes to %s, expected %s", stored.Short(), d.Short())
			}
			return nil
		},
	}
	return builder.Build(ctx, artifacts)
}

func (a *API) readBlob(d hashing.Digest) ([]byte, error) {
	p, err := a.cas.BlobPath(d, false)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// RetrieveToMemory returns an object's content from the store.
func (a *API) RetrieveToMemory(_ context.Context, object anvil.ObjectInfo) ([]byte, error) {
	if object.Type == anvil.ObjectTree {
		p, err := a.cas.TreePath(object.Digest)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(p)
	}
	p, err := a.cas.BlobPath(object.Digest, object.Type.IsExecutable())
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// SplitBlob chunks an object in the local store.
func (a *API) SplitBlob(_ context.Context, digest hashing.Digest) ([]hashing.Digest, error) {
	return a.cas.Split(digest)
}

// SpliceBlob reassembles an object in the local store.
func (a *API) SpliceBlob(_ context.Context, digest hashing.Digest, chunks []hashing.Digest) (hashing.Digest, error) {
	return a.cas.Splice(digest, chunks)
}

// BlobSplitSupport is always available locally.
func (a *API) BlobSplitSupport(context.Context) bool { return true }

// BlobSpliceSupport is always available locally.
func (a *API) BlobSpliceSupport(context.Context) bool { return true }
