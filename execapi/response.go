package execapi

import (
	"fmt"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
)

// ResponseFromActionResult converts a stored action result into a response.
// Output symlinks are checked to be non-upward on every path that builds a
// response, so a poisoned cache entry cannot smuggle one past validation.
func ResponseFromActionResult(api API, fingerprint hashing.Digest, ar *pb.ActionResult, cached bool) (*Response, error) {
	resp := NewResponse(api)
	resp.ActionDigest = fingerprint
	resp.ExitCode = int(ar.GetExitCode())
	resp.IsCached = cached

	for _, f := range ar.GetOutputFiles() {
		t := anvil.ObjectFile
		if f.GetIsExecutable() {
			t = anvil.ObjectExecutable
		}
		resp.Artifacts[f.GetPath()] = anvil.ObjectInfo{
			Digest: DigestFromProto(f.GetDigest(), false),
			Type:   t,
		}
	}
	for _, d := range ar.GetOutputDirectories() {
		resp.Artifacts[d.GetPath()] = anvil.ObjectInfo{
			Digest: DigestFromProto(d.GetTreeDigest(), true),
			Type:   anvil.ObjectTree,
		}
	}

	links := make([]*pb.OutputSymlink, 0,
		len(ar.GetOutputSymlinks())+len(ar.GetOutputFileSymlinks())+len(ar.GetOutputDirectorySymlinks()))
	links = append(links, ar.GetOutputSymlinks()...)
	links = append(links, ar.GetOutputFileSymlinks()...)
	links = append(links, ar.GetOutputDirectorySymlinks()...)
	for _, l := range links {
		if !IsNonUpwardTarget(l.GetTarget()) {
			return nil, fmt.Errorf("output symlink %q: upward target %q", l.GetPath(), l.GetTarget())
		}
		resp.Symlinks[l.GetPath()] = l.GetTarget()
	}

	if d := ar.GetStdoutDigest(); d.GetHash() != "" {
		resp.StdOutDigest = DigestFromProto(d, false)
	}
	if d := ar.GetStderrDigest(); d.GetHash() != "" {
		resp.StdErrDigest = DigestFromProto(d, false)
	}
	return resp, nil
}
