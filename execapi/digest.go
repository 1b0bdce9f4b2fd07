package execapi

import (
	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/anvilbuild/anvil/hashing"
)

// ProtoDigest converts a digest to its wire form. The tree bit does not
// survive the conversion; the protocol distinguishes trees by context.
func ProtoDigest(d hashing.Digest) *pb.Digest {
	return &pb.Digest{Hash: d.Hex, SizeBytes: d.Size}
}

// DigestFromProto converts a wire digest back, restoring the tree bit from
// context.
func DigestFromProto(pd *pb.Digest, isTree bool) hashing.Digest {
	return hashing.Digest{Hex: pd.GetHash(), Size: pd.GetSizeBytes(), IsTree: isTree}
}

// ProtoDigests maps a digest slice to wire form.
func ProtoDigests(ds []hashing.Digest) []*pb.Digest {
	out := make([]*pb.Digest, len(ds))
	for i, d := range ds {
		out[i] = ProtoDigest(d)
	}
	return out
}
