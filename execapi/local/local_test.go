package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/actioncache"
	"github.com/anvilbuild/anvil/storage/cas"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	cfg := cas.Config{
		BuildRoot:   t.TempDir(),
		Hash:        hashing.New(hashing.TypeNative),
		Generations: 2,
	}
	store, err := cas.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return New(store, actioncache.New(cfg), Config{})
}

func emptyRoot(t *testing.T, api *API) hashing.Digest {
	t.Helper()
	root, err := api.UploadTree(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func mustExecute(t *testing.T, api *API, root hashing.Digest, command []string,
	env map[string]string, outFiles, outDirs []string, flag execapi.CacheFlag) *execapi.Response {
	t.Helper()
	action, err := api.CreateAction(root, command, "", outFiles, outDirs, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	action.SetCacheFlag(flag)
	resp, err := action.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func stdout(t *testing.T, resp *execapi.Response) string {
	t.Helper()
	out, err := resp.StdOut(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

// No input, no output: the first run executes, the identical second run is
// served from the action cache with identical streams.
func TestExecuteNoInputNoOutput(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)

	first := mustExecute(t, api, root, []string{"echo", "-n", "test"}, nil, nil, nil, execapi.CacheOutput)
	if first.ExitCode != 0 || first.IsCached {
		t.Fatalf("first run: exit %d, cached %v", first.ExitCode, first.IsCached)
	}
	if got := stdout(t, first); got != "test" {
		t.Fatalf("stdout %q", got)
	}

	second := mustExecute(t, api, root, []string{"echo", "-n", "test"}, nil, nil, nil, execapi.CacheOutput)
	if !second.IsCached {
		t.Fatal("second run must be served from cache")
	}
	if got := stdout(t, second); got != "test" {
		t.Fatalf("cached stdout %q", got)
	}
}

// Create one output file; its digest must equal the hash of its content.
func TestExecuteCreatesOutputFile(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)

	resp := mustExecute(t, api, root,
		[]string{"sh", "-c", "printf test > output_file"},
		nil, []string{"output_file"}, nil, execapi.CacheOutput)
	if resp.ExitCode != 0 {
		t.Fatalf("exit %d", resp.ExitCode)
	}
	info, ok := resp.Artifacts["output_file"]
	if !ok {
		t.Fatalf("output_file missing from %v", resp.Artifacts)
	}
	if want := api.HashFunction().HashBlob([]byte("test")); info.Digest != want {
		t.Fatalf("output digest %v, want %v", info.Digest, want)
	}
}

// Copy a staged input to an output: the digests must match.
func TestExecuteCopiesInput(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	in, err := api.cas.StoreBlob([]byte("test"), false)
	if err != nil {
		t.Fatal(err)
	}
	root, err := api.UploadTree(ctx, []execapi.NamedObject{{
		Path: "dir/subdir/input",
		Info: anvil.ObjectInfo{Digest: in, Type: anvil.ObjectFile},
	}})
	if err != nil {
		t.Fatal(err)
	}

	resp := mustExecute(t, api, root,
		[]string{"cp", "dir/subdir/input", "output_file"},
		nil, []string{"output_file"}, nil, execapi.CacheOutput)
	if resp.ExitCode != 0 {
		t.Fatalf("exit %d", resp.ExitCode)
	}
	if resp.Artifacts["output_file"].Digest != in {
		t.Fatalf("output %v, input %v", resp.Artifacts["output_file"].Digest, in)
	}
}

// Environment variables reach the process.
func TestExecuteEnvironment(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)

	resp := mustExecute(t, api, root,
		[]string{"sh", "-c", "printf '%s' \"${X}\""},
		map[string]string{"X": "test from env var"}, nil, nil, execapi.CacheOutput)
	if got := stdout(t, resp); got != "test from env var" {
		t.Fatalf("stdout %q", got)
	}
}

// Failures are not cached; once the action succeeds the zero-exit result
// stays cached even after the world changes again.
func TestFailureNotCachedSuccessIs(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)
	flag := filepath.Join(t.TempDir(), "FLAG")
	command := []string{"sh", "-c", "[ -f " + flag + " ]"}

	first := mustExecute(t, api, root, command, nil, nil, nil, execapi.CacheOutput)
	if first.ExitCode == 0 || first.IsCached {
		t.Fatalf("first run: exit %d, cached %v", first.ExitCode, first.IsCached)
	}

	// Still failing, still not cached.
	again := mustExecute(t, api, root, command, nil, nil, nil, execapi.CacheOutput)
	if again.IsCached {
		t.Fatal("failed result must not be cached")
	}

	if err := os.WriteFile(flag, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	success := mustExecute(t, api, root, command, nil, nil, nil, execapi.CacheOutput)
	if success.ExitCode != 0 {
		t.Fatalf("exit %d with flag present", success.ExitCode)
	}

	if err := os.Remove(flag); err != nil {
		t.Fatal(err)
	}
	cached := mustExecute(t, api, root, command, nil, nil, nil, execapi.CacheOutput)
	if !cached.IsCached || cached.ExitCode != 0 {
		t.Fatalf("after success: cached %v, exit %d", cached.IsCached, cached.ExitCode)
	}
}

// DoNotCacheOutput never caches.
func TestDoNotCacheOutput(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)
	command := []string{"echo", "-n", "volatile"}

	for i := 0; i < 2; i++ {
		resp := mustExecute(t, api, root, command, nil, nil, nil, execapi.DoNotCacheOutput)
		if resp.IsCached {
			t.Fatalf("run %d served from cache despite DoNotCacheOutput", i)
		}
	}
}

// FromCacheOnly never executes.
func TestFromCacheOnly(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)
	command := []string{"echo", "-n", "cache me"}

	action, err := api.CreateAction(root, command, "", nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	action.SetCacheFlag(execapi.FromCacheOnly)
	if _, err := action.Execute(context.Background()); err == nil {
		t.Fatal("FromCacheOnly must fail on a cache miss")
	}

	mustExecute(t, api, root, command, nil, nil, nil, execapi.CacheOutput)
	resp := mustExecute(t, api, root, command, nil, nil, nil, execapi.FromCacheOnly)
	if !resp.IsCached {
		t.Fatal("cached result not served")
	}
}

// Declared output directories are ingested as trees.
func TestExecuteOutputDirectory(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)

	resp := mustExecute(t, api, root,
		[]string{"sh", "-c", "mkdir -p out/sub && printf a > out/a && printf b > out/sub/b && ln -s a out/link"},
		nil, nil, []string{"out"}, execapi.CacheOutput)
	if resp.ExitCode != 0 {
		t.Fatalf("exit %d", resp.ExitCode)
	}
	info, ok := resp.Artifacts["out"]
	if !ok || info.Type != anvil.ObjectTree {
		t.Fatalf("out: %+v", info)
	}

	entries, err := api.cas.ReadTreeEntries(info.Digest)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]anvil.ObjectType{}
	for _, e := range entries {
		names[e.Name] = e.Type
	}
	if names["a"] != anvil.ObjectFile || names["sub"] != anvil.ObjectTree || names["link"] != anvil.ObjectSymlink {
		t.Fatalf("entries %v", names)
	}
}

// Upward symlinks in outputs are a hard failure.
func TestUpwardOutputSymlinkRejected(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)

	action, err := api.CreateAction(root, []string{"sh", "-c", "ln -s ../../escape link"},
		"", []string{"link"}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := action.Execute(context.Background()); err == nil {
		t.Fatal("upward symlink output accepted")
	}
}

// A timed-out action fails without poisoning the cache.
func TestExecuteTimeout(t *testing.T) {
	api := newTestAPI(t)
	root := emptyRoot(t, api)

	action, err := api.CreateAction(root, []string{"sleep", "30"}, "", nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	action.SetCacheFlag(execapi.CacheOutput)
	action.SetTimeout(100 * time.Millisecond)

	start := time.Now()
	resp, err := action.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout did not take effect")
	}
	if resp.ExitCode == 0 {
		t.Fatal("timed-out action reported success")
	}
	if resp.IsCached {
		t.Fatal("timed-out result must not come from cache")
	}
}

// Executable inputs keep their bit through staging.
func TestStagingPreservesExecutableBit(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	script, err := api.cas.StoreBlob([]byte("#!/bin/sh\nprintf ran\n"), true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := api.UploadTree(ctx, []execapi.NamedObject{{
		Path: "run.sh",
		Info: anvil.ObjectInfo{Digest: script, Type: anvil.ObjectExecutable},
	}})
	if err != nil {
		t.Fatal(err)
	}

	resp := mustExecute(t, api, root, []string{"./run.sh"}, nil, nil, nil, execapi.DoNotCacheOutput)
	if resp.ExitCode != 0 {
		t.Fatalf("exit %d", resp.ExitCode)
	}
	if got := stdout(t, resp); got != "ran" {
		t.Fatalf("stdout %q", got)
	}
}

func TestRetrieveToPathsTree(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	blob, err := api.cas.StoreBlob([]byte("content"), false)
	if err != nil {
		t.Fatal(err)
	}
	root, err := api.UploadTree(ctx, []execapi.NamedObject{{
		Path: "dir/file",
		Info: anvil.ObjectInfo{Digest: blob, Type: anvil.ObjectFile},
	}})
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "install")
	err = api.RetrieveToPaths(ctx,
		[]anvil.ObjectInfo{{Digest: root, Type: anvil.ObjectTree}}, []string{dest})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "dir", "file"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("content")) {
		t.Fatalf("installed content %q", data)
	}
}
