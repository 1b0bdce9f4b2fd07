package remote

import (
	"context"
	"fmt"
	"os"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/dcontext"
)

// findMissingChunk bounds how many digests one FindMissingBlobs request
// carries; hex digests are small, so the cap is a count, comfortably below
// the message limit for either family.
const findMissingChunk = 16384

// IsAvailable probes a single digest.
func (c *Client) IsAvailable(ctx context.Context, digest hashing.Digest) bool {
	missing, err := c.MissingDigests(ctx, []hashing.Digest{digest})
	return err == nil && len(missing) == 0
}

// MissingDigests asks the endpoint which of the digests it lacks. A batch
// whose RPC fails (after retries) is reported missing wholesale: uploading
// something the server had is cheap, skipping something it lacked is not.
func (c *Client) MissingDigests(ctx context.Context, digests []hashing.Digest) ([]hashing.Digest, error) {
	var missing []hashing.Digest
	byHex := make(map[string][]hashing.Digest, len(digests))
	for _, d := range digests {
		if !d.SizeKnown() {
			return nil, anvil.DigestError{Hex: d.Hex, Err: anvil.ErrUnknownSize}
		}
		byHex[d.Hex] = append(byHex[d.Hex], d)
	}

	for start := 0; start < len(digests); start += findMissingChunk {
		end := start + findMissingChunk
		if end > len(digests) {
			end = len(digests)
		}
		chunk := digests[start:end]

		req := &pb.FindMissingBlobsRequest{
			InstanceName: c.cfg.InstanceName,
			BlobDigests:  execapi.ProtoDigests(chunk),
		}
		var resp *pb.FindMissingBlobsResponse
		err := c.withRetry(ctx, "FindMissingBlobs", func(ctx context.Context) error {
			var err error
			resp, err = c.casCli.FindMissingBlobs(ctx, req)
			return err
		})
		if err != nil {
			dcontext.GetLogger(ctx).Warnf("FindMissingBlobs failed, treating %d blobs as missing: %v",
				len(chunk), err)
			missing = append(missing, chunk...)
			continue
		}
		for _, pd := range resp.GetMissingBlobDigests() {
			missing = append(missing, byHex[pd.GetHash()]...)
		}
	}
	return missing, nil
}

// Upload pushes blobs to the endpoint. Blobs are packed into batch requests
// up to the negotiated limit; anything larger goes through the byte stream.
// When a full batch makes no progress at all, the client falls back to
// uploading its blobs one by one over the stream.
func (c *Client) Upload(ctx context.Context, blobs []anvil.ArtifactBlob, skipFindMissing bool) error {
	todo := blobs
	if !skipFindMissing {
		digests := make([]hashing.Digest, len(blobs))
		for i, b := range blobs {
			digests[i] = b.Digest
		}
		missing, err := c.MissingDigests(ctx, digests)
		if err != nil {
			return err
		}
		missingHex := make(map[string]bool, len(missing))
		for _, d := range missing {
			missingHex[d.Hex] = true
		}
		todo = nil
		for _, b := range blobs {
			if missingHex[b.Digest.Hex] {
				todo = append(todo, b)
			}
		}
	}

	limit := c.maxBatchBlobSize(ctx)
	var batch []anvil.ArtifactBlob
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.batchUpdate(ctx, batch)
		batch, batchSize = nil, 0
		return err
	}

	for _, b := range todo {
		if !b.Digest.SizeKnown() {
			return anvil.DigestError{Hex: b.Digest.Hex, Err: anvil.ErrUnknownSize}
		}
		if b.Digest.Size > limit {
			if err := c.streamWriteBlob(ctx, b); err != nil {
				return err
			}
			continue
		}
		if batchSize+b.Digest.Size > limit {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, b)
		batchSize += b.Digest.Size
	}
	return flush()
}

// batchUpdate sends one packed BatchUpdateBlobs request and resolves its
// per-blob statuses. Blobs the response skips or flags UNAVAILABLE are
// retried as a smaller batch; any other per-blob status aborts. Zero
// progress across the whole batch drops to sequential streaming.
func (c *Client) batchUpdate(ctx context.Context, blobs []anvil.ArtifactBlob) error {
	req := &pb.BatchUpdateBlobsRequest{InstanceName: c.cfg.InstanceName}
	for _, b := range blobs {
		data, err := b.Bytes()
		if err != nil {
			return err
		}
		req.Requests = append(req.Requests, &pb.BatchUpdateBlobsRequest_Request{
			Digest: execapi.ProtoDigest(b.Digest),
			Data:   data,
		})
	}

	var resp *pb.BatchUpdateBlobsResponse
	err := c.withRetry(ctx, "BatchUpdateBlobs", func(ctx context.Context) error {
		var err error
		resp, err = c.casCli.BatchUpdateBlobs(ctx, req)
		return err
	})
	if err != nil {
		return err
	}

	updated := make(map[string]bool, len(resp.GetResponses()))
	for _, r := range resp.GetResponses() {
		code := codes.Code(r.GetStatus().GetCode())
		switch code {
		case codes.OK:
			updated[r.GetDigest().GetHash()] = true
		case codes.Unavailable:
			// retried below with the rest
		default:
			return fmt.Errorf("uploading %s: %s", r.GetDigest().GetHash(),
				status.ErrorProto(r.GetStatus()))
		}
	}

	var rest []anvil.ArtifactBlob
	for _, b := range blobs {
		if !updated[b.Digest.Hex] {
			rest = append(rest, b)
		}
	}
	if len(rest) == 0 {
		return nil
	}
	if len(rest) < len(blobs) {
		return c.batchUpdate(ctx, rest)
	}

	// No blob of the batch went through; stop batching and stream them.
	dcontext.GetLogger(ctx).Warnf("batch upload made no progress for %d blobs, streaming sequentially", len(rest))
	for _, b := range rest {
		if err := c.streamWriteBlob(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// readBlob fetches a single blob, streaming when it exceeds the batch
// limit.
func (c *Client) readBlob(ctx context.Context, d hashing.Digest) ([]byte, error) {
	blobs, err := c.readBlobs(ctx, []hashing.Digest{d})
	if err != nil {
		return nil, err
	}
	data, ok := blobs[d.Hex]
	if !ok {
		return nil, anvil.DigestError{Hex: d.Hex, Err: anvil.ErrNotFound}
	}
	return data, nil
}

// readBlobs fetches blobs by digest, packing batch reads up to the limit
// and streaming oversize blobs.
func (c *Client) readBlobs(ctx context.Context, digests []hashing.Digest) (map[string][]byte, error) {
	out := make(map[string][]byte, len(digests))
	limit := c.maxBatchBlobSize(ctx)

	var batch []hashing.Digest
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.batchRead(ctx, batch, out)
		batch, batchSize = nil, 0
		return err
	}

	for _, d := range digests {
		if _, ok := out[d.Hex]; ok {
			continue
		}
		if d.Size > limit || !d.SizeKnown() {
			data, err := c.streamReadBlob(ctx, d)
			if err != nil {
				return nil, err
			}
			out[d.Hex] = data
			continue
		}
		if batchSize+d.Size > limit {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		batch = append(batch, d)
		batchSize += d.Size
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) batchRead(ctx context.Context, digests []hashing.Digest, out map[string][]byte) error {
	req := &pb.BatchReadBlobsRequest{
		InstanceName: c.cfg.InstanceName,
		Digests:      execapi.ProtoDigests(digests),
	}
	var resp *pb.BatchReadBlobsResponse
	err := c.withRetry(ctx, "BatchReadBlobs", func(ctx context.Context) error {
		var err error
		resp, err = c.casCli.BatchReadBlobs(ctx, req)
		return err
	})
	if err != nil {
		return err
	}

	for _, r := range resp.GetResponses() {
		code := codes.Code(r.GetStatus().GetCode())
		switch code {
		case codes.OK:
			out[r.GetDigest().GetHash()] = r.GetData()
		case codes.NotFound:
			return anvil.DigestError{Hex: r.GetDigest().GetHash(), Err: anvil.ErrNotFound}
		default:
			return fmt.Errorf("reading %s: %s", r.GetDigest().GetHash(),
				status.ErrorProto(r.GetStatus()))
		}
	}

	// Anything the response skipped falls back to streaming.
	for _, d := range digests {
		if _, ok := out[d.Hex]; ok {
			continue
		}
		data, err := c.streamReadBlob(ctx, d)
		if err != nil {
			return err
		}
		out[d.Hex] = data
	}
	return nil
}

// UploadTree assembles a directory tree over artifacts whose content is in
// the local store and uploads everything the endpoint is missing, children
// before parents, so the returned root never dangles.
func (c *Client) UploadTree(ctx context.Context, artifacts []execapi.NamedObject) (hashing.Digest, error) {
	var treeBlobs []anvil.ArtifactBlob
	builder := &execapi.TreeBuilder{
		Hash: c.hash,
		ReadBlob: func(ctx context.Context, d hashing.Digest) ([]byte, error) {
			return c.readLocalBlob(d)
		},
		Emit: func(_ context.Context, data []byte, d hashing.Digest) error {
			if _, err := c.store.StoreTree(data); err != nil {
				return err
			}
			treeBlobs = append(treeBlobs, anvil.NewBlobFromBytes(d, data, false))
			return nil
		},
	}
	root, err := builder.Build(ctx, artifacts)
	if err != nil {
		return hashing.Digest{}, err
	}

	// Leaf content first, then the tree objects in emit (bottom-up) order.
	leafDigests := make([]hashing.Digest, 0, len(artifacts))
	leafByHex := make(map[string]execapi.NamedObject, len(artifacts))
	for _, a := range artifacts {
		d := a.Info.Digest
		if d.Hex == "" {
			continue
		}
		if !d.SizeKnown() {
			blob, err := c.localBlobFor(a.Info)
			if err != nil {
				return hashing.Digest{}, err
			}
			d = blob.Digest
		}
		leafDigests = append(leafDigests, d)
		leafByHex[d.Hex] = a
	}
	missing, err := c.MissingDigests(ctx, leafDigests)
	if err != nil {
		return hashing.Digest{}, err
	}
	var leafBlobs []anvil.ArtifactBlob
	seen := make(map[string]bool, len(missing))
	for _, d := range missing {
		if seen[d.Hex] {
			continue
		}
		seen[d.Hex] = true
		obj := leafByHex[d.Hex]
		blob, err := c.localBlobFor(obj.Info)
		if err != nil {
			return hashing.Digest{}, err
		}
		leafBlobs = append(leafBlobs, blob)
	}
	if err := c.Upload(ctx, leafBlobs, true); err != nil {
		return hashing.Digest{}, err
	}
	if err := c.Upload(ctx, treeBlobs, false); err != nil {
		return hashing.Digest{}, err
	}
	return root, nil
}

func (c *Client) readLocalBlob(d hashing.Digest) ([]byte, error) {
	p, err := c.store.BlobPath(d, false)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// localBlobFor wraps local store content as an upload.
func (c *Client) localBlobFor(info anvil.ObjectInfo) (anvil.ArtifactBlob, error) {
	if info.Type == anvil.ObjectTree {
		p, err := c.store.TreePath(info.Digest)
		if err != nil {
			return anvil.ArtifactBlob{}, err
		}
		d := withStatSize(info.Digest, p)
		return anvil.NewBlobFromFile(d, p, false), nil
	}
	executable := info.Type.IsExecutable()
	p, err := c.store.BlobPath(info.Digest, executable)
	if err != nil {
		return anvil.ArtifactBlob{}, err
	}
	d := withStatSize(info.Digest, p)
	return anvil.NewBlobFromFile(d, p, executable), nil
}

func withStatSize(d hashing.Digest, path string) hashing.Digest {
	if d.SizeKnown() {
		return d
	}
	if info, err := os.Stat(path); err == nil {
		d.Size = info.Size()
	}
	return d
}
