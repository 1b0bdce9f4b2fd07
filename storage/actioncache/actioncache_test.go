package actioncache

import (
	"errors"
	"os"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/cas"
)

func newTestCache(t *testing.T) (*Cache, cas.Config) {
	t.Helper()
	cfg := cas.Config{
		BuildRoot:   t.TempDir(),
		Hash:        hashing.New(hashing.TypeNative),
		Generations: 2,
	}
	return New(cfg), cfg
}

func fingerprintOf(cfg cas.Config, s string) hashing.Digest {
	return cfg.Hash.HashBlob([]byte(s))
}

func TestPutGetRoundTrip(t *testing.T) {
	c, cfg := newTestCache(t)
	fp := fingerprintOf(cfg, "action-1")

	want := &pb.ActionResult{
		ExitCode: 0,
		OutputFiles: []*pb.OutputFile{
			{Path: "out", Digest: &pb.Digest{Hash: "ab", SizeBytes: 2}},
		},
	}
	if err := c.Put(fp, want); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(fp)
	if err != nil {
		t.Fatal(err)
	}
	if got.GetExitCode() != 0 || len(got.GetOutputFiles()) != 1 || got.GetOutputFiles()[0].GetPath() != "out" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetMissIsNotFound(t *testing.T) {
	c, cfg := newTestCache(t)
	if _, err := c.Get(fingerprintOf(cfg, "nothing")); !errors.Is(err, anvil.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	c, cfg := newTestCache(t)
	fp := fingerprintOf(cfg, "action-2")

	if err := c.Put(fp, &pb.ActionResult{ExitCode: 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(fp, &pb.ActionResult{ExitCode: 0}); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(fp)
	if err != nil {
		t.Fatal(err)
	}
	if got.GetExitCode() != 0 {
		t.Fatal("cache entries are LastWins; the newer result must survive")
	}
}

func TestGetPromotesOldGenerations(t *testing.T) {
	c, cfg := newTestCache(t)
	fp := fingerprintOf(cfg, "action-3")

	// Plant the entry, then demote it to the older generation.
	if err := c.Put(fp, &pb.ActionResult{ExitCode: 0}); err != nil {
		t.Fatal(err)
	}
	p0 := c.stores[0].ObjectPath(fp.Hex)
	if err := c.stores[1].LinkFrom(fp.Hex, p0); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(p0); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Get(fp); err != nil {
		t.Fatal(err)
	}
	if !c.stores[0].Exists(fp.Hex) {
		t.Fatal("hit in an older generation must be promoted")
	}
}
