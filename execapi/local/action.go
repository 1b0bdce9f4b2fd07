package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/dcontext"
	"github.com/anvilbuild/anvil/internal/uuid"
)

// action is one prepared local execution.
type action struct {
	api  *API
	spec execapi.ActionSpec
	flag execapi.CacheFlag
}

var _ execapi.Action = (*action)(nil)

func (a *action) SetCacheFlag(flag execapi.CacheFlag) {
	a.flag = flag
}

func (a *action) SetTimeout(d time.Duration) {
	if d > 0 {
		a.spec.Timeout = d
	}
}

// Execute serves the action from the cache when allowed, otherwise runs it
// in a fresh sandbox and ingests its outputs.
func (a *action) Execute(ctx context.Context) (*execapi.Response, error) {
	spec := a.spec
	spec.DoNotCache = a.flag == execapi.DoNotCacheOutput

	fingerprint, blobs, err := execapi.BuildActionMessage(a.api.HashFunction(), spec)
	if err != nil {
		return nil, err
	}
	// The action and command messages are content, too.
	if err := a.api.Upload(ctx, blobs, true); err != nil {
		return nil, err
	}

	log := dcontext.GetLoggerWithField(ctx, "action", fingerprint.Short())

	if a.flag == execapi.CacheOutput || a.flag == execapi.FromCacheOnly {
		if cached, err := a.api.ac.Get(fingerprint); err == nil {
			log.Debug("serving action from cache")
			return execapi.ResponseFromActionResult(a.api, fingerprint, cached, true)
		} else if !errors.Is(err, anvil.ErrNotFound) {
			return nil, err
		}
		if a.flag == execapi.FromCacheOnly {
			return nil, anvil.DigestError{Hex: fingerprint.Hex, Err: anvil.ErrNotFound}
		}
	}

	result, timedOut, err := a.run(ctx, spec)
	if err != nil {
		return nil, err
	}
	if timedOut {
		log.Warnf("action timed out after %s", spec.Timeout)
	}

	if result.ExitCode == 0 && !timedOut && a.flag == execapi.CacheOutput {
		if err := a.api.ac.Put(fingerprint, result); err != nil {
			return nil, err
		}
	}

	resp, err := execapi.ResponseFromActionResult(a.api, fingerprint, result, false)
	if err != nil {
		return nil, err
	}
	if a.flag == execapi.PretendCached {
		resp.IsCached = true
	}
	return resp, nil
}

// run stages the input root, spawns the process and ingests the outputs.
// The sandbox is removed on all exit paths.
func (a *action) run(ctx context.Context, spec execapi.ActionSpec) (*pb.ActionResult, bool, error) {
	execDir := filepath.Join(a.api.cas.Conf().ExecRoot(), uuid.NewString())
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return nil, false, err
	}
	defer os.RemoveAll(execDir)

	if err := a.api.stageTree(ctx, spec.RootDigest, execDir); err != nil {
		return nil, false, fmt.Errorf("staging input root: %w", err)
	}

	workDir := filepath.Join(execDir, filepath.FromSlash(spec.Cwd))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, false, err
	}
	for _, out := range append(append([]string{}, spec.OutputFiles...), spec.OutputDirs...) {
		rel, err := execapi.NormalizeEntryPath(spec.Cwd, out)
		if err != nil {
			return nil, false, err
		}
		parent := filepath.Dir(filepath.Join(execDir, filepath.FromSlash(rel)))
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, false, err
		}
	}

	argv := append(append([]string{}, a.api.cfg.launcher()...), spec.Command...)

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = envList(spec.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case timedOut:
			exitCode = -1
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, false, fmt.Errorf("spawning %q: %w", argv[0], runErr)
		}
	}

	result := &pb.ActionResult{ExitCode: int32(exitCode)}

	outDigest, err := a.api.cas.StoreBlob(stdout.Bytes(), false)
	if err != nil {
		return nil, false, err
	}
	errDigest, err := a.api.cas.StoreBlob(stderr.Bytes(), false)
	if err != nil {
		return nil, false, err
	}
	if stdout.Len() > 0 {
		result.StdoutDigest = execapi.ProtoDigest(outDigest)
	}
	if stderr.Len() > 0 {
		result.StderrDigest = execapi.ProtoDigest(errDigest)
	}

	if timedOut {
		return result, true, nil
	}

	if err := a.ingestOutputs(ctx, spec, execDir, result); err != nil {
		return nil, false, err
	}
	return result, false, nil
}

// ingestOutputs walks the declared outputs and records everything present.
// Missing outputs are simply absent from the result; the executor decides
// whether that fails the action.
func (a *action) ingestOutputs(ctx context.Context, spec execapi.ActionSpec, execDir string, result *pb.ActionResult) error {
	resolve := func(p string) (string, error) {
		rel, err := execapi.NormalizeEntryPath(spec.Cwd, p)
		if err != nil {
			return "", err
		}
		return filepath.Join(execDir, filepath.FromSlash(rel)), nil
	}

	for _, out := range spec.OutputFiles {
		abs, err := resolve(out)
		if err != nil {
			return err
		}
		info, err := os.Lstat(abs)
		if err != nil {
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(abs)
			if err != nil {
				return err
			}
			if _, err := a.api.cas.StoreBlob([]byte(target), false); err != nil {
				return err
			}
			result.OutputFileSymlinks = append(result.OutputFileSymlinks,
				&pb.OutputSymlink{Path: out, Target: target})
		case info.Mode().IsRegular():
			executable := info.Mode()&0o111 != 0
			d, err := a.api.cas.StoreBlobFile(abs, executable, false)
			if err != nil {
				return err
			}
			result.OutputFiles = append(result.OutputFiles, &pb.OutputFile{
				Path:         out,
				Digest:       execapi.ProtoDigest(d),
				IsExecutable: executable,
			})
		}
	}

	for _, out := range spec.OutputDirs {
		abs, err := resolve(out)
		if err != nil {
			return err
		}
		info, err := os.Lstat(abs)
		if err != nil {
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(abs)
			if err != nil {
				return err
			}
			if _, err := a.api.cas.StoreBlob([]byte(target), false); err != nil {
				return err
			}
			result.OutputDirectorySymlinks = append(result.OutputDirectorySymlinks,
				&pb.OutputSymlink{Path: out, Target: target})
		case info.IsDir():
			d, err := a.ingestDir(ctx, abs)
			if err != nil {
				return err
			}
			result.OutputDirectories = append(result.OutputDirectories, &pb.OutputDirectory{
				Path:       out,
				TreeDigest: execapi.ProtoDigest(d),
			})
		}
	}
	return nil
}

// ingestDir stores every file below dir and assembles the directory tree
// bottom-up.
func (a *action) ingestDir(ctx context.Context, dir string) (hashing.Digest, error) {
	var objects []execapi.NamedObject
	if err := a.collectDir(ctx, dir, ".", &objects); err != nil {
		return hashing.Digest{}, err
	}
	return a.api.UploadTree(ctx, objects)
}

func (a *action) collectDir(ctx context.Context, abs, rel string, objects *[]execapi.NamedObject) error {
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
			d, err := a.api.cas.StoreBlob([]byte(target), false)
			if err != nil {
				return err
			}
			*objects = append(*objects, execapi.NamedObject{
				Path: childRel,
				Info: anvil.ObjectInfo{Digest: d, Type: anvil.ObjectSymlink},
			})
		case info.IsDir():
			sub, err := os.ReadDir(childAbs)
			if err != nil {
				return err
			}
			if len(sub) == 0 {
				// Empty directories survive as empty trees.
				d, err := a.api.UploadTree(ctx, nil)
				if err != nil {
					return err
				}
				*objects = append(*objects, execapi.NamedObject{
					Path: childRel,
					Info: anvil.ObjectInfo{Digest: d, Type: anvil.ObjectTree},
				})
				continue
			}
			if err := a.collectDir(ctx, childAbs, childRel, objects); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			executable := info.Mode()&0o111 != 0
			d, err := a.api.cas.StoreBlobFile(childAbs, executable, false)
			if err != nil {
				return err
			}
			t := anvil.ObjectFile
			if executable {
				t = anvil.ObjectExecutable
			}
			*objects = append(*objects, execapi.NamedObject{
				Path: childRel,
				Info: anvil.ObjectInfo{Digest: d, Type: t},
			})
		}
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
