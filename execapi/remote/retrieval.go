package remote

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/uuid"
	"github.com/anvilbuild/anvil/storage/cas"
)

// treeEntries fetches and parses a remote tree object.
func (c *Client) treeEntries(ctx context.Context, d hashing.Digest) ([]cas.TreeEntry, error) {
	data, err := c.readBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	return cas.DecodeTreeEntries(c.hash, data)
}

// RetrieveToMemory downloads one object.
func (c *Client) RetrieveToMemory(ctx context.Context, object anvil.ObjectInfo) ([]byte, error) {
	return c.readBlob(ctx, object.Digest)
}

// retrieveParallelism bounds concurrent object downloads.
const retrieveParallelism = 8

// RetrieveToPaths materializes objects at the given paths; tree objects fan
// out to all their leaves. Objects download concurrently; the first failure
// cancels the rest.
func (c *Client) RetrieveToPaths(ctx context.Context, objects []anvil.ObjectInfo, paths []string) error {
	if len(objects) != len(paths) {
		return fmt.Errorf("retrieve: %d objects for %d paths", len(objects), len(paths))
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(retrieveParallelism)
	for i := range objects {
		obj, dest := objects[i], paths[i]
		g.Go(func() error {
			return c.fetchObject(ctx, obj, dest)
		})
	}
	return g.Wait()
}

func (c *Client) fetchObject(ctx context.Context, obj anvil.ObjectInfo, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	switch obj.Type {
	case anvil.ObjectTree:
		return c.fetchTree(ctx, obj.Digest, dest)
	case anvil.ObjectSymlink:
		target, err := c.readBlob(ctx, obj.Digest)
		if err != nil {
			return err
		}
		os.Remove(dest)
		return os.Symlink(string(target), dest)
	default:
		return c.fetchFile(ctx, obj.Digest, obj.Type.IsExecutable(), dest)
	}
}

func (c *Client) fetchFile(ctx context.Context, d hashing.Digest, executable bool, dest string) error {
	perm := os.FileMode(0o644)
	if executable {
		perm = 0o755
	}
	os.Remove(dest)

	// Content beyond the batch limit streams straight to disk instead of
	// being materialized in memory first.
	if d.Size > c.maxBatchBlobSize(ctx) {
		return c.streamReadBlobToFile(ctx, d, dest, perm)
	}
	data, err := c.readBlob(ctx, d)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, perm)
}

func (c *Client) fetchTree(ctx context.Context, d hashing.Digest, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	entries, err := c.treeEntries(ctx, d)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := filepath.Join(dest, e.Name)
		switch e.Type {
		case anvil.ObjectTree:
			if err := c.fetchTree(ctx, e.Digest, child); err != nil {
				return err
			}
		case anvil.ObjectSymlink:
			target := e.SymlinkTarget
			if target == "" {
				raw, err := c.readBlob(ctx, e.Digest)
				if err != nil {
					return err
				}
				target = string(raw)
			}
			os.Remove(child)
			if err := os.Symlink(target, child); err != nil {
				return err
			}
		default:
			if err := c.fetchFile(ctx, e.Digest, e.Type.IsExecutable(), child); err != nil {
				return err
			}
		}
	}
	return nil
}

// RetrieveToFds streams objects into open descriptors; trees are dumped as
// tar archives unless rawTree asks for the serialized object.
func (c *Client) RetrieveToFds(ctx context.Context, objects []anvil.ObjectInfo, fds []int, rawTree bool) error {
	if len(objects) != len(fds) {
		return fmt.Errorf("retrieve: %d objects for %d fds", len(objects), len(fds))
	}
	for i, obj := range objects {
		f := os.NewFile(uintptr(fds[i]), fmt.Sprintf("fd-%d", fds[i]))
		if f == nil {
			return fmt.Errorf("retrieve: bad file descriptor %d", fds[i])
		}
		if obj.Type == anvil.ObjectTree && !rawTree {
			if err := c.tarRemoteTree(ctx, obj.Digest, f); err != nil {
				return err
			}
			continue
		}
		data, err := c.readBlob(ctx, obj.Digest)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// tarRemoteTree materializes the tree in a scratch workspace and archives
// it; the workspace is removed on all paths.
func (c *Client) tarRemoteTree(ctx context.Context, d hashing.Digest, w io.Writer) error {
	dir := c.store.Conf().TempWorkspace("remote-archive", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if err := c.fetchTree(ctx, d, dir); err != nil {
		return err
	}
	tw := tar.NewWriter(w)
	if err := tarDirectory(tw, dir, "."); err != nil {
		return err
	}
	return tw.Close()
}

func tarDirectory(tw *tar.Writer, abs, rel string) error {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childAbs := filepath.Join(abs, e.Name())
		childRel := path.Join(rel, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(childAbs)
			if err != nil {
				return err
			}
			if err := tw.WriteHeader(&tar.Header{
				Name:     childRel,
				Typeflag: tar.TypeSymlink,
				Linkname: target,
			}); err != nil {
				return err
			}
		case info.IsDir():
			if err := tw.WriteHeader(&tar.Header{
				Name:     childRel + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			}); err != nil {
				return err
			}
			if err := tarDirectory(tw, childAbs, childRel); err != nil {
				return err
			}
		default:
			mode := int64(0o644)
			if info.Mode()&0o111 != 0 {
				mode = 0o755
			}
			if err := tw.WriteHeader(&tar.Header{
				Name: childRel,
				Mode: mode,
				Size: info.Size(),
			}); err != nil {
				return err
			}
			f, err := os.Open(childAbs)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// RetrieveToCas copies objects into another backend, children before the
// trees that reference them.
func (c *Client) RetrieveToCas(ctx context.Context, objects []anvil.ObjectInfo, other execapi.API) error {
	for _, obj := range objects {
		if err := c.exportObject(ctx, obj, other); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) exportObject(ctx context.Context, obj anvil.ObjectInfo, other execapi.API) error {
	if other.IsAvailable(ctx, obj.Digest) {
		return nil
	}
	data, err := c.readBlob(ctx, obj.Digest)
	if err != nil {
		return err
	}
	if obj.Type == anvil.ObjectTree {
		entries, err := cas.DecodeTreeEntries(c.hash, data)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type == anvil.ObjectSymlink && e.SymlinkTarget != "" {
				continue
			}
			if err := c.exportObject(ctx, anvil.ObjectInfo{Digest: e.Digest, Type: e.Type}, other); err != nil {
				return err
			}
		}
	}
	d := obj.Digest
	if !d.SizeKnown() || d.Size != int64(len(data)) {
		d.Size = int64(len(data))
	}
	blob := anvil.NewBlobFromBytes(d, data, obj.Type.IsExecutable())
	return other.Upload(ctx, []anvil.ArtifactBlob{blob}, false)
}
