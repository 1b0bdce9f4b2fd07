package cas

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/filestore"
)

// The on-disk layout below the build root. Everything protocol dependent
// (digests change with the hash family) lives under protocol-dependent/,
// split into numbered generations; generation-0 is the live one, higher
// numbers are older. Each generation holds one subtree per hash family:
//
//	<build_root>/protocol-dependent/generation-0/git-sha1/
//	  cas-f/<hh>/<rest>        regular files
//	  cas-x/<hh>/<rest>        executables
//	  cas-t/<hh>/<rest>        trees (native only)
//	  cas-large-f/<hh>/<rest>  large-blob recipes
//	  cas-large-t/<hh>/<rest>  large-tree recipes (native only)
//	  ac/<hh>/<rest>           action cache
//	  tc/<shard>/<hh>/<rest>   target cache
//	<build_root>/protocol-dependent/generation-0/ephemeral/
//	  exec_root/<id>           execution sandboxes
//	  tmp-workspaces/<kind>    scoped temporary directories
const (
	protocolDir  = "protocol-dependent"
	ephemeralDir = "ephemeral"
)

// Config carries the process-wide storage context: where the build root is,
// which hash family is active, and how many generations garbage collection
// cycles through. It is constructed at startup and passed down explicitly.
type Config struct {
	BuildRoot   string
	Hash        hashing.Function
	Generations int
}

// DefaultGenerations is the number of CAS generations when unconfigured.
const DefaultGenerations = 2

// NumGenerations returns the configured generation count, defaulted.
func (c Config) NumGenerations() int {
	if c.Generations <= 0 {
		return DefaultGenerations
	}
	return c.Generations
}

// GenerationRoot returns the directory of generation g.
func (c Config) GenerationRoot(g int) string {
	return filepath.Join(c.BuildRoot, protocolDir, fmt.Sprintf("generation-%d", g))
}

// FamilyRoot returns the per-family subtree of generation g.
func (c Config) FamilyRoot(g int) string {
	return filepath.Join(c.GenerationRoot(g), c.Hash.Type().String())
}

// EphemeralRoot returns the scratch area of the live generation. It is
// removed wholesale on generation rotation.
func (c Config) EphemeralRoot() string {
	return filepath.Join(c.GenerationRoot(0), ephemeralDir)
}

// ExecRoot returns the directory under which execution sandboxes are staged.
func (c Config) ExecRoot() string {
	return filepath.Join(c.EphemeralRoot(), "exec_root")
}

// TempWorkspace returns the path of a fresh scoped temp directory of the
// given kind. Callers create it and remove it when done; rotation removes
// leftovers.
func (c Config) TempWorkspace(kind string, id string) string {
	return filepath.Join(c.EphemeralRoot(), "tmp-workspaces", kind, id)
}

// LockPath returns the flock target guarding generation rotation.
func (c Config) LockPath() string {
	return filepath.Join(c.BuildRoot, protocolDir, "gc.lock")
}

// generation bundles the sharded stores of one generation of one family.
type generation struct {
	root       string
	files      *filestore.Store
	executable *filestore.Store
	trees      *filestore.Store
	largeFiles *filestore.Store
	largeTrees *filestore.Store
}

func newGeneration(cfg Config, g int) generation {
	root := cfg.FamilyRoot(g)
	gen := generation{
		root:       root,
		files:      filestore.New(filepath.Join(root, "cas-f"), filestore.FirstWins, false),
		executable: filestore.New(filepath.Join(root, "cas-x"), filestore.FirstWins, true),
		largeFiles: filestore.New(filepath.Join(root, "cas-large-f"), filestore.FirstWins, false),
	}
	if cfg.Hash.Type() == hashing.TypeNative {
		gen.trees = filestore.New(filepath.Join(root, "cas-t"), filestore.FirstWins, false)
		gen.largeTrees = filestore.New(filepath.Join(root, "cas-large-t"), filestore.FirstWins, false)
	} else {
		// Compatible mode stores trees alongside regular files; the
		// tree area is an alias.
		gen.trees = gen.files
		gen.largeTrees = gen.largeFiles
	}
	return gen
}

// blobStore selects the file area for the requested executable bit.
func (g generation) blobStore(executable bool) *filestore.Store {
	if executable {
		return g.executable
	}
	return g.files
}

// findBlob reports whether any content area of the generation holds hex as a
// blob, and if so its path and executable bit.
func (g generation) findBlob(hex string) (path string, executable bool, ok bool) {
	if p := g.files.ObjectPath(hex); fileExists(p) {
		return p, false, true
	}
	if p := g.executable.ObjectPath(hex); fileExists(p) {
		return p, true, true
	}
	return "", false, false
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
