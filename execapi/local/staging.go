package local

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
)

// RetrieveToPaths materializes objects at the given paths, trees
// recursively. Files are hardlinked out of the store where the filesystem
// allows, copied otherwise.
func (a *API) RetrieveToPaths(ctx context.Context, objects []anvil.ObjectInfo, paths []string) error {
	if len(objects) != len(paths) {
		return fmt.Errorf("retrieve: %d objects for %d paths", len(objects), len(paths))
	}
	for i, obj := range objects {
		if err := a.stageObject(ctx, obj, paths[i]); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) stageObject(ctx context.Context, obj anvil.ObjectInfo, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	switch obj.Type {
	case anvil.ObjectTree:
		return a.stageTree(ctx, obj.Digest, dest)
	case anvil.ObjectSymlink:
		target, err := a.readBlob(obj.Digest)
		if err != nil {
			return err
		}
		return symlink(string(target), dest)
	default:
		return a.stageFile(obj.Digest, obj.Type.IsExecutable(), dest)
	}
}

func (a *API) stageFile(d hashing.Digest, executable bool, dest string) error {
	src, err := a.cas.BlobPath(d, executable)
	if err != nil {
		return err
	}
	os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	perm := os.FileMode(0o444)
	if executable {
		perm = 0o555
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (a *API) stageTree(ctx context.Context, d hashing.Digest, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	entries, err := a.cas.ReadTreeEntries(d)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := filepath.Join(dest, e.Name)
		switch e.Type {
		case anvil.ObjectTree:
			if err := a.stageTree(ctx, e.Digest, child); err != nil {
				return err
			}
		case anvil.ObjectSymlink:
			target := e.SymlinkTarget
			if target == "" {
				raw, err := a.readBlob(e.Digest)
				if err != nil {
					return err
				}
				target = string(raw)
			}
			if err := symlink(target, child); err != nil {
				return err
			}
		default:
			if err := a.stageFile(e.Digest, e.Type.IsExecutable(), child); err != nil {
				return err
			}
		}
	}
	return nil
}

func symlink(target, dest string) error {
	os.Remove(dest)
	return os.Symlink(target, dest)
}

// RetrieveToFds streams objects into open file descriptors. Trees are
// dumped as tar archives unless rawTree asks for the serialized tree
// object itself.
func (a *API) RetrieveToFds(ctx context.Context, objects []anvil.ObjectInfo, fds []int, rawTree bool) error {
	if len(objects) != len(fds) {
		return fmt.Errorf("retrieve: %d objects for %d fds", len(objects), len(fds))
	}
	for i, obj := range objects {
		f := os.NewFile(uintptr(fds[i]), fmt.Sprintf("fd-%d", fds[i]))
		if f == nil {
			return fmt.Errorf("retrieve: bad file descriptor %d", fds[i])
		}
		err := a.writeObject(ctx, obj, f, rawTree)
		// The descriptor belongs to the caller; only flush, never close.
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *API) writeObject(ctx context.Context, obj anvil.ObjectInfo, w io.Writer, rawTree bool) error {
	if obj.Type == anvil.ObjectTree && !rawTree {
		tw := tar.NewWriter(w)
		if err := a.tarTree(ctx, obj.Digest, ".", tw); err != nil {
			return err
		}
		return tw.Close()
	}
	data, err := a.RetrieveToMemory(ctx, obj)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// tarTree writes the tree rooted at d below prefix into tw.
func (a *API) tarTree(ctx context.Context, d hashing.Digest, prefix string, tw *tar.Writer) error {
	entries, err := a.cas.ReadTreeEntries(d)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := path.Join(prefix, e.Name)
		switch e.Type {
		case anvil.ObjectTree:
			if err := tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			}); err != nil {
				return err
			}
			if err := a.tarTree(ctx, e.Digest, name, tw); err != nil {
				return err
			}
		case anvil.ObjectSymlink:
			target := e.SymlinkTarget
			if target == "" {
				raw, err := a.readBlob(e.Digest)
				if err != nil {
					return err
				}
				target = string(raw)
			}
			if err := tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeSymlink,
				Linkname: target,
			}); err != nil {
				return err
			}
		default:
			data, err := a.readBlobAs(e.Digest, e.Type.IsExecutable())
			if err != nil {
				return err
			}
			mode := int64(0o644)
			if e.Type.IsExecutable() {
				mode = 0o755
			}
			if err := tw.WriteHeader(&tar.Header{
				Name: name,
				Mode: mode,
				Size: int64(len(data)),
			}); err != nil {
				return err
			}
			if _, err := tw.Write(data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *API) readBlobAs(d hashing.Digest, executable bool) ([]byte, error) {
	p, err := a.cas.BlobPath(d, executable)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// RetrieveToCas copies objects into another backend, trees content first.
func (a *API) RetrieveToCas(ctx context.Context, objects []anvil.ObjectInfo, other execapi.API) error {
	for _, obj := range objects {
		if err := a.exportObject(ctx, obj, other); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) exportObject(ctx context.Context, obj anvil.ObjectInfo, other execapi.API) error {
	if other.IsAvailable(ctx, obj.Digest) {
		return nil
	}
	if obj.Type == anvil.ObjectTree {
		entries, err := a.cas.ReadTreeEntries(obj.Digest)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type == anvil.ObjectSymlink && e.SymlinkTarget != "" {
				continue // inline symlink entries carry no content
			}
			child := anvil.ObjectInfo{Digest: e.Digest, Type: e.Type}
			if err := a.exportObject(ctx, child, other); err != nil {
				return err
			}
		}
		p, err := a.cas.TreePath(obj.Digest)
		if err != nil {
			return err
		}
		d := obj.Digest
		if d.Size == 0 && !d.SizeKnown() {
			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			d.Size = info.Size()
		}
		return other.Upload(ctx, []anvil.ArtifactBlob{anvil.NewBlobFromFile(d, p, false)}, false)
	}

	executable := obj.Type.IsExecutable()
	p, err := a.cas.BlobPath(obj.Digest, executable)
	if err != nil {
		return err
	}
	d := obj.Digest
	if d.Size == 0 {
		if info, err := os.Stat(p); err == nil {
			d.Size = info.Size()
		}
	}
	return other.Upload(ctx, []anvil.ArtifactBlob{anvil.NewBlobFromFile(d, p, executable)}, false)
}
