package execapi

import (
	"sort"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
)

// ActionSpec is everything that goes into an action fingerprint.
type ActionSpec struct {
	RootDigest  hashing.Digest
	Command     []string
	Cwd         string
	OutputFiles []string
	OutputDirs  []string
	Env         map[string]string
	Properties  map[string]string
	Timeout     time.Duration
	DoNotCache  bool
}

// BuildActionMessage serializes the spec into the protocol's Command and
// Action messages. The returned digest of the Action message is the action
// fingerprint — the CAS blob with that digest IS the action — and the two
// returned blobs are what must be uploaded alongside the input root.
//
// Serialization is deterministic: repeated fields that the protocol orders
// (environment variables, output paths, platform properties) are sorted,
// and marshalling itself is deterministic, so identical specs fingerprint
// identically in both hash families.
func BuildActionMessage(f hashing.Function, spec ActionSpec) (hashing.Digest, []anvil.ArtifactBlob, error) {
	cmd := &pb.Command{
		Arguments:         spec.Command,
		WorkingDirectory:  spec.Cwd,
		OutputFiles:       sortedStrings(spec.OutputFiles),
		OutputDirectories: sortedStrings(spec.OutputDirs),
		Platform:          platform(spec.Properties),
	}
	for _, name := range sortedKeys(spec.Env) {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables,
			&pb.Command_EnvironmentVariable{Name: name, Value: spec.Env[name]})
	}

	cmdData, err := marshal(cmd)
	if err != nil {
		return hashing.Digest{}, nil, err
	}
	cmdDigest := f.HashBlob(cmdData)

	action := &pb.Action{
		CommandDigest:   ProtoDigest(cmdDigest),
		InputRootDigest: ProtoDigest(spec.RootDigest),
		DoNotCache:      spec.DoNotCache,
		Platform:        platform(spec.Properties),
	}
	if spec.Timeout > 0 {
		action.Timeout = durationpb.New(spec.Timeout)
	}

	actionData, err := marshal(action)
	if err != nil {
		return hashing.Digest{}, nil, err
	}
	actionDigest := f.HashBlob(actionData)

	blobs := []anvil.ArtifactBlob{
		anvil.NewBlobFromBytes(cmdDigest, cmdData, false),
		anvil.NewBlobFromBytes(actionDigest, actionData, false),
	}
	return actionDigest, blobs, nil
}

func marshal(m proto.Message) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func platform(properties map[string]string) *pb.Platform {
	if len(properties) == 0 {
		return nil
	}
	p := &pb.Platform{}
	for _, name := range sortedKeys(properties) {
		p.Properties = append(p.Properties, &pb.Platform_Property{Name: name, Value: properties[name]})
	}
	return p
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStrings(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}
