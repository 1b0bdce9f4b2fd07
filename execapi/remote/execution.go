package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/dcontext"
)

// CreateAction prepares a remote execution.
func (c *Client) CreateAction(rootDigest hashing.Digest, command []string, cwd string,
	outputFiles, outputDirs []string, env map[string]string,
	properties map[string]string) (execapi.Action, error) {
	return &action{
		client: c,
		spec: execapi.ActionSpec{
			RootDigest:  rootDigest,
			Command:     command,
			Cwd:         cwd,
			OutputFiles: outputFiles,
			OutputDirs:  outputDirs,
			Env:         env,
			Properties:  properties,
		},
	}, nil
}

type action struct {
	client *Client
	spec   execapi.ActionSpec
	flag   execapi.CacheFlag
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

// Execute drives one remote execution: upload the action messages, consult
// the action cache where allowed, start the operation and follow its stream
// to completion, reconnecting with WaitExecution when the stream drops.
func (a *action) Execute(ctx context.Context) (*execapi.Response, error) {
	c := a.client
	if _, err := c.capabilitiesFor(ctx); err != nil {
		return nil, err
	}

	spec := a.spec
	spec.DoNotCache = a.flag == execapi.DoNotCacheOutput

	fingerprint, blobs, err := execapi.BuildActionMessage(c.hash, spec)
	if err != nil {
		return nil, err
	}
	if err := c.Upload(ctx, blobs, false); err != nil {
		return nil, err
	}

	log := dcontext.GetLoggerWithField(ctx, "action", fingerprint.Short())

	if a.flag == execapi.CacheOutput || a.flag == execapi.FromCacheOnly {
		cached, err := a.getCached(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			log.Debugf("remote cache hit on %s", c.cfg.Address)
			return a.buildResponse(ctx, fingerprint, cached, true)
		}
		if a.flag == execapi.FromCacheOnly {
			return nil, anvil.DigestError{Hex: fingerprint.Hex, Err: anvil.ErrNotFound}
		}
	}

	execResp, err := a.runOperation(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if s := execResp.GetStatus(); s.GetCode() != int32(codes.OK) {
		return nil, fmt.Errorf("execution of %s: %s", fingerprint.Short(), status.ErrorProto(s))
	}

	resp, err := a.buildResponse(ctx, fingerprint, execResp.GetResult(), execResp.GetCachedResult())
	if err != nil {
		return nil, err
	}
	if a.flag == execapi.PretendCached {
		resp.IsCached = true
	}
	return resp, nil
}

// getCached asks the remote action cache; a miss is nil, not an error.
func (a *action) getCached(ctx context.Context, fingerprint hashing.Digest) (*pb.ActionResult, error) {
	var result *pb.ActionResult
	err := a.client.withRetry(ctx, "GetActionResult", func(ctx context.Context) error {
		var err error
		result, err = a.client.acCli.GetActionResult(ctx, &pb.GetActionResultRequest{
			InstanceName: a.client.cfg.InstanceName,
			ActionDigest: execapi.ProtoDigest(fingerprint),
		})
		return err
	})
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runOperation starts the execution and follows operation updates until the
// final one. A broken stream reattaches via WaitExecution as long as the
// operation name is known.
func (a *action) runOperation(ctx context.Context, fingerprint hashing.Digest) (*pb.ExecuteResponse, error) {
	if a.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.spec.Timeout+time.Minute)
		defer cancel()
	}

	skipCache := a.flag == execapi.DoNotCacheOutput || a.flag == execapi.PretendCached
	var stream operationStream
	stream, err := a.client.execCli.Execute(ctx, &pb.ExecuteRequest{
		InstanceName:    a.client.cfg.InstanceName,
		ActionDigest:    execapi.ProtoDigest(fingerprint),
		SkipCacheLookup: skipCache,
	})
	if err != nil {
		return nil, err
	}

	operationName := ""
	for {
		op, err := stream.Recv()
		if err != nil {
			if !Retriable(err) && !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if operationName == "" {
				return nil, err
			}
			stream, err = a.reattach(ctx, operationName)
			if err != nil {
				return nil, err
			}
			continue
		}
		operationName = op.GetName()
		if !op.GetDone() {
			continue
		}
		return unpackExecuteResponse(op)
	}
}

func (a *action) reattach(ctx context.Context, name string) (operationStream, error) {
	var stream pb.Execution_WaitExecutionClient
	err := a.client.withRetry(ctx, "WaitExecution", func(ctx context.Context) error {
		var err error
		stream, err = a.client.execCli.WaitExecution(ctx, &pb.WaitExecutionRequest{Name: name})
		return err
	})
	return stream, err
}

// operationStream abstracts over the Execute and WaitExecution streams,
// which carry the same operation messages.
type operationStream interface {
	Recv() (*longrunningpb.Operation, error)
}

func unpackExecuteResponse(op *longrunningpb.Operation) (*pb.ExecuteResponse, error) {
	if e := op.GetError(); e != nil {
		return nil, fmt.Errorf("operation %s: %s", op.GetName(), status.ErrorProto(e))
	}
	raw := op.GetResponse()
	if raw == nil {
		return nil, fmt.Errorf("operation %s finished without a response", op.GetName())
	}
	resp := &pb.ExecuteResponse{}
	if err := raw.UnmarshalTo(resp); err != nil {
		return nil, fmt.Errorf("operation %s: malformed response: %w", op.GetName(), err)
	}
	return resp, nil
}

// buildResponse converts a remote action result. In compatible mode output
// directories arrive as Tree messages: the client fetches each, ingests
// every directory object into the local store and rewrites the reference to
// the root directory digest, which is the form the rest of the build deals
// in. Output symlinks are verified non-upward.
func (a *action) buildResponse(ctx context.Context, fingerprint hashing.Digest, ar *pb.ActionResult, cached bool) (*execapi.Response, error) {
	if ar == nil {
		return nil, fmt.Errorf("action %s: empty result", fingerprint.Short())
	}
	if a.client.hash.Type() == hashing.TypeCompatible && len(ar.GetOutputDirectories()) > 0 {
		converted := proto.Clone(ar).(*pb.ActionResult)
		for _, dir := range converted.GetOutputDirectories() {
			rootDigest, err := a.ingestTreeMessage(ctx, execapi.DigestFromProto(dir.GetTreeDigest(), true))
			if err != nil {
				return nil, err
			}
			dir.TreeDigest = execapi.ProtoDigest(rootDigest)
		}
		ar = converted
	}
	return execapi.ResponseFromActionResult(a.client, fingerprint, ar, cached)
}

// ingestTreeMessage downloads a Tree message and stores its root and child
// directories locally, returning the root directory digest.
func (a *action) ingestTreeMessage(ctx context.Context, treeDigest hashing.Digest) (hashing.Digest, error) {
	data, err := a.client.readBlob(ctx, treeDigest)
	if err != nil {
		return hashing.Digest{}, err
	}
	var tree pb.Tree
	if err := proto.Unmarshal(data, &tree); err != nil {
		return hashing.Digest{}, fmt.Errorf("%w: malformed tree %s", anvil.ErrInvalidTree, treeDigest.Short())
	}
	if tree.GetRoot() == nil {
		return hashing.Digest{}, fmt.Errorf("%w: tree %s has no root", anvil.ErrInvalidTree, treeDigest.Short())
	}

	store := func(dir *pb.Directory) (hashing.Digest, error) {
		raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(dir)
		if err != nil {
			return hashing.Digest{}, err
		}
		return a.client.store.StoreTree(raw)
	}
	for _, child := range tree.GetChildren() {
		if _, err := store(child); err != nil {
			return hashing.Digest{}, err
		}
	}
	return store(tree.GetRoot())
}
