// Package gittree encodes and decodes Git tree objects, the directory
// manifest format of the native hash family. Entries reference children by
// SHA-1 and carry a file mode; serialization order is Git's entry ordering,
// where a directory sorts as if its name had a trailing slash.
package gittree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/anvilbuild/anvil"
)

// Entry names one child of a directory.
type Entry struct {
	Name string
	Hex  string
	Type anvil.ObjectType
}

// Encode serializes entries as a Git tree object payload (without the
// "tree <n>\0" header; hashing adds that). Entries are sorted into Git's
// canonical order first. Names must be single path components.
func Encode(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sortKey(sorted[i]) < sortKey(sorted[j])
	})

	tree := object.Tree{Entries: make([]object.TreeEntry, 0, len(sorted))}
	for _, e := range sorted {
		if err := checkName(e.Name); err != nil {
			return nil, err
		}
		h := plumbing.NewHash(e.Hex)
		if h.IsZero() && e.Hex != plumbing.ZeroHash.String() {
			return nil, fmt.Errorf("tree entry %q: malformed hash %q", e.Name, e.Hex)
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Name: e.Name,
			Mode: mode(e.Type),
			Hash: h,
		})
	}

	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return nil, err
	}

	rd, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	data := make([]byte, 0, obj.Size())
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}
	return data, nil
}

// Decode parses a Git tree object payload into its entries, in stored order.
func Decode(data []byte) ([]Entry, error) {
	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.TreeObject)
	if _, err := obj.Write(data); err != nil {
		return nil, err
	}

	var tree object.Tree
	if err := tree.Decode(obj); err != nil {
		return nil, fmt.Errorf("malformed git tree: %w", err)
	}

	entries := make([]Entry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		t, err := typeOf(e.Mode)
		if err != nil {
			return nil, fmt.Errorf("tree entry %q: %w", e.Name, err)
		}
		entries = append(entries, Entry{Name: e.Name, Hex: e.Hash.String(), Type: t})
	}
	return entries, nil
}

// sortKey implements Git's tree ordering: names compare byte-wise with
// directories compared as if they ended in "/".
func sortKey(e Entry) string {
	if e.Type == anvil.ObjectTree {
		return e.Name + "/"
	}
	return e.Name
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("invalid tree entry name %q", name)
	}
	return nil
}

func mode(t anvil.ObjectType) filemode.FileMode {
	switch t {
	case anvil.ObjectExecutable:
		return filemode.Executable
	case anvil.ObjectSymlink:
		return filemode.Symlink
	case anvil.ObjectTree:
		return filemode.Dir
	}
	return filemode.Regular
}

func typeOf(m filemode.FileMode) (anvil.ObjectType, error) {
	switch m {
	case filemode.Regular, filemode.Deprecated:
		return anvil.ObjectFile, nil
	case filemode.Executable:
		return anvil.ObjectExecutable, nil
	case filemode.Symlink:
		return anvil.ObjectSymlink, nil
	case filemode.Dir:
		return anvil.ObjectTree, nil
	}
	return anvil.ObjectFile, fmt.Errorf("unsupported file mode %v", m)
}
