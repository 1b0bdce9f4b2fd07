// Package filestore implements a sharded file store under a root directory:
// content identified by hex string h lives at root/h[:2]/h[2:]. Insertion is
// atomic — content is staged in a unique temp file under the store root and
// moved into place with link or rename — so concurrent inserts of the same
// id all succeed and readers never observe partial content.
//
// Two disciplines are offered. FirstWins inserts with no-clobber semantics:
// whichever writer links first owns the stored file, later writers discard
// their temp copy and report success. LastWins renames unconditionally and
// is reserved for cache entries, which are always self-consistent values.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/anvilbuild/anvil/internal/uuid"
)

// Discipline selects the conflict behavior of a store.
type Discipline int

const (
	// FirstWins keeps whichever file completes link/rename first.
	FirstWins Discipline = iota
	// LastWins overwrites any existing target.
	LastWins
)

const (
	// permRegular is the mode of stored regular files. Stored content is
	// immutable; nothing ever opens it writable again.
	permRegular os.FileMode = 0o444
	// permExecutable additionally carries the executable bits. The mode is
	// set on the temp file before the move so the stored file is never
	// open for writing once visible — child processes spawned later must
	// not inherit write handles to their own binaries.
	permExecutable os.FileMode = 0o555
)

// Store is a sharded file store rooted at a directory.
type Store struct {
	root       string
	discipline Discipline
	executable bool
}

// New opens (and lazily creates) a store at root. If executable is set,
// stored files carry the executable bits.
func New(root string, discipline Discipline, executable bool) *Store {
	return &Store{root: root, discipline: discipline, executable: executable}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// ObjectPath returns the path content with the given id is stored at,
// whether or not it exists.
func (s *Store) ObjectPath(hex string) string {
	return filepath.Join(s.root, hex[:2], hex[2:])
}

// Exists reports whether content with the given id is present.
func (s *Store) Exists(hex string) bool {
	_, err := os.Stat(s.ObjectPath(hex))
	return err == nil
}

// AddFromBytes stores data under the given id.
func (s *Store) AddFromBytes(hex string, data []byte) error {
	tmp, err := s.stageBytes(data)
	if err != nil {
		return err
	}
	return s.commit(hex, tmp)
}

// AddFromFile stores the content of src under the given id. When the caller
// owns src (it is a temp file nothing else references), the file is moved
// with a hardlink, avoiding the copy; otherwise the content is copied into
// the store first.
func (s *Store) AddFromFile(hex string, src string, isOwner bool) error {
	if isOwner {
		if err := os.Chmod(src, s.perm()); err != nil {
			return err
		}
		return s.commit(hex, src)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := s.stageFrom(in)
	if err != nil {
		return err
	}
	return s.commit(hex, tmp)
}

// stageBytes writes data to a fresh temp file under the store root with the
// final permissions already applied.
func (s *Store) stageBytes(data []byte) (string, error) {
	tmp, err := s.tempFile()
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (s *Store) stageFrom(r io.Reader) (string, error) {
	tmp, err := s.tempFile()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (s *Store) tempFile() (*os.File, error) {
	dir := filepath.Join(s.root, "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, uuid.NewString())
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.perm())
	if err != nil {
		return nil, err
	}
	// The umask may have stripped bits relevant for executables.
	if err := f.Chmod(s.perm()); err != nil {
		f.Close()
		os.Remove(name)
		return nil, err
	}
	return f, nil
}

// commit moves the staged file at tmp to the location of hex according to
// the discipline. tmp is consumed on all paths.
func (s *Store) commit(hex string, tmp string) error {
	target := s.ObjectPath(hex)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		os.Remove(tmp)
		return err
	}

	switch s.discipline {
	case FirstWins:
		err := os.Link(tmp, target)
		os.Remove(tmp)
		if err == nil || errors.Is(err, os.ErrExist) {
			return nil
		}
		return err
	case LastWins:
		return os.Rename(tmp, target)
	}
	return fmt.Errorf("filestore: unknown discipline %d", s.discipline)
}

// LinkFrom inserts the existing immutable file at src under hex by
// hardlinking it into place, falling back to a copy when src lives on a
// different filesystem. Existing targets win, as with FirstWins.
func (s *Store) LinkFrom(hex string, src string) error {
	target := s.ObjectPath(hex)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	err := os.Link(src, target)
	if err == nil || errors.Is(err, os.ErrExist) {
		return nil
	}
	return s.AddFromFile(hex, src, false)
}

func (s *Store) perm() os.FileMode {
	if s.executable {
		return permExecutable
	}
	return permRegular
}
