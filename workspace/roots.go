// Package workspace resolves source artifacts to their content. A build
// references files out of named workspace roots, which are either plain
// directories or committed trees in a bare Git repository; the latter are
// read through go-git without ever checking them out.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Roots maps repository names to workspace roots.
type Roots struct {
	// The git library is not thread safe; one mutex guards every
	// repository operation.
	mu sync.Mutex

	fs  map[string]string
	git map[string]*gitRoot
}

type gitRoot struct {
	repo    *git.Repository
	treeHex string
}

// NewRoots returns an empty root set.
func NewRoots() *Roots {
	return &Roots{fs: make(map[string]string), git: make(map[string]*gitRoot)}
}

// AddFileRoot registers a directory as the root of a repository.
func (r *Roots) AddFileRoot(name, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fs[name] = dir
}

// AddGitRoot registers a tree inside a (bare) Git repository as the root of
// a repository.
func (r *Roots) AddGitRoot(name, repoPath, treeHex string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("opening git root %s: %w", repoPath, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.git[name] = &gitRoot{repo: repo, treeHex: treeHex}
	return nil
}

// Read returns the content of path inside the named root, and whether the
// file carries the executable bit.
func (r *Roots) Read(name, path string) ([]byte, bool, error) {
	r.mu.Lock()
	gr, isGit := r.git[name]
	dir, isFS := r.fs[name]
	r.mu.Unlock()

	switch {
	case isGit:
		return r.readGit(gr, path)
	case isFS:
		return readFile(dir, path)
	}
	return nil, false, fmt.Errorf("unknown workspace root %q", name)
}

func readFile(dir, path string) ([]byte, bool, error) {
	abs := filepath.Join(dir, filepath.FromSlash(path))
	if rel, err := filepath.Rel(dir, abs); err != nil || strings.HasPrefix(rel, "..") {
		return nil, false, fmt.Errorf("path %q escapes workspace root", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, false, err
	}
	return data, info.Mode()&0o111 != 0, nil
}

func (r *Roots) readGit(gr *gitRoot, path string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := object.GetTree(gr.repo.Storer, plumbing.NewHash(gr.treeHex))
	if err != nil {
		return nil, false, fmt.Errorf("resolving git tree %s: %w", gr.treeHex, err)
	}
	entry, err := tree.FindEntry(path)
	if err != nil {
		return nil, false, err
	}
	blob, err := object.GetBlob(gr.repo.Storer, entry.Hash)
	if err != nil {
		return nil, false, err
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, false, err
	}
	defer rd.Close()
	data := make([]byte, 0, blob.Size)
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}
	return data, entry.Mode == filemode.Executable, nil
}
