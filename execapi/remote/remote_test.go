package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/storage/cas"
)

const testBatchLimit = 8 * 1024

func notFoundStatus() *rpcstatus.Status {
	return &rpcstatus.Status{Code: int32(codes.NotFound)}
}

// fakeServer is an in-memory CAS plus capabilities and byte stream,
// recording how requests arrived so the packing rules can be asserted.
type fakeServer struct {
	pb.UnimplementedContentAddressableStorageServer
	pb.UnimplementedCapabilitiesServer
	bspb.UnimplementedByteStreamServer

	mu           sync.Mutex
	blobs        map[string][]byte
	batchSizes   []int64
	streamWrites int
	streamReads  int
}

func newFakeServer() *fakeServer {
	return &fakeServer{blobs: make(map[string][]byte)}
}

func (s *fakeServer) GetCapabilities(context.Context, *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	return &pb.ServerCapabilities{
		CacheCapabilities: &pb.CacheCapabilities{
			DigestFunctions:        []pb.DigestFunction_Value{pb.DigestFunction_SHA1, pb.DigestFunction_SHA256},
			MaxBatchTotalSizeBytes: testBatchLimit,
		},
	}, nil
}

func (s *fakeServer) FindMissingBlobs(_ context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &pb.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		if _, ok := s.blobs[d.Hash]; !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *fakeServer) BatchUpdateBlobs(_ context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	resp := &pb.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		total += int64(len(r.Data))
		s.blobs[r.Digest.Hash] = append([]byte(nil), r.Data...)
		resp.Responses = append(resp.Responses, &pb.BatchUpdateBlobsResponse_Response{
			Digest: r.Digest,
		})
	}
	s.batchSizes = append(s.batchSizes, total)
	return resp, nil
}

func (s *fakeServer) BatchReadBlobs(_ context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &pb.BatchReadBlobsResponse{}
	for _, d := range req.Digests {
		r := &pb.BatchReadBlobsResponse_Response{Digest: d}
		if data, ok := s.blobs[d.Hash]; ok {
			r.Data = append([]byte(nil), data...)
		} else {
			r.Status = notFoundStatus()
		}
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

func (s *fakeServer) Write(stream bspb.ByteStream_WriteServer) error {
	var (
		hash string
		data []byte
	)
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if req.ResourceName != "" {
			// .../uploads/<uuid>/blobs/<hash>/<size>
			parts := strings.Split(req.ResourceName, "/")
			hash = parts[len(parts)-2]
		}
		data = append(data, req.Data...)
		if req.FinishWrite {
			break
		}
	}
	s.mu.Lock()
	s.blobs[hash] = data
	s.streamWrites++
	s.mu.Unlock()
	return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: int64(len(data))})
}

func (s *fakeServer) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	// .../blobs/<hash>/<size>
	parts := strings.Split(req.ResourceName, "/")
	hash := parts[len(parts)-2]
	if _, err := strconv.ParseInt(parts[len(parts)-1], 10, 64); err != nil {
		return fmt.Errorf("malformed resource %q", req.ResourceName)
	}
	s.mu.Lock()
	data, ok := s.blobs[hash]
	s.streamReads++
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("blob %s not found", hash)
	}
	for len(data) > 0 {
		n := 1024
		if n > len(data) {
			n = len(data)
		}
		if err := stream.Send(&bspb.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func newTestClient(t *testing.T, typ hashing.Type) (*Client, *fakeServer) {
	t.Helper()
	server := newFakeServer()

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	pb.RegisterContentAddressableStorageServer(grpcServer, server)
	pb.RegisterCapabilitiesServer(grpcServer, server)
	bspb.RegisterByteStreamServer(grpcServer, server)
	go grpcServer.Serve(lis)
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	store, err := cas.New(cas.Config{
		BuildRoot:   t.TempDir(),
		Hash:        hashing.New(typ),
		Generations: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &Client{
		cfg:     Config{Address: "bufnet"},
		hash:    hashing.New(typ),
		store:   store,
		conn:    conn,
		casCli:  pb.NewContentAddressableStorageClient(conn),
		acCli:   pb.NewActionCacheClient(conn),
		execCli: pb.NewExecutionClient(conn),
		capsCli: pb.NewCapabilitiesClient(conn),
		bsCli:   bspb.NewByteStreamClient(conn),
	}
	return client, server
}

func blobOf(f hashing.Function, data []byte) anvil.ArtifactBlob {
	return anvil.NewBlobFromBytes(f.HashBlob(data), data, false)
}

func TestUploadAndFindMissing(t *testing.T) {
	client, _ := newTestClient(t, hashing.TypeCompatible)
	ctx := context.Background()
	f := client.hash

	blob := blobOf(f, []byte("hello remote"))
	missing, err := client.MissingDigests(ctx, []hashing.Digest{blob.Digest})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 {
		t.Fatalf("fresh server missing %d blobs, want 1", len(missing))
	}

	if err := client.Upload(ctx, []anvil.ArtifactBlob{blob}, false); err != nil {
		t.Fatal(err)
	}
	missing, err = client.MissingDigests(ctx, []hashing.Digest{blob.Digest})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatal("uploaded blob still reported missing")
	}
	if !client.IsAvailable(ctx, blob.Digest) {
		t.Fatal("IsAvailable disagrees with FindMissing")
	}
}

// Batch packing respects the negotiated limit; oversize blobs stream.
func TestUploadPacksBatches(t *testing.T) {
	client, server := newTestClient(t, hashing.TypeCompatible)
	ctx := context.Background()
	f := client.hash

	var blobs []anvil.ArtifactBlob
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 8; i++ {
		data := make([]byte, 3*1024)
		rng.Read(data)
		blobs = append(blobs, blobOf(f, data))
	}
	big := make([]byte, testBatchLimit+1)
	rng.Read(big)
	blobs = append(blobs, blobOf(f, big))

	if err := client.Upload(ctx, blobs, true); err != nil {
		t.Fatal(err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	limit := client.maxBatchBlobSize(ctx)
	for _, size := range server.batchSizes {
		if size > limit {
			t.Fatalf("batch of %d bytes exceeds limit %d", size, limit)
		}
	}
	if len(server.batchSizes) < 2 {
		t.Fatalf("expected multiple batches, got %d", len(server.batchSizes))
	}
	if server.streamWrites != 1 {
		t.Fatalf("oversize blob must stream exactly once, streamed %d times", server.streamWrites)
	}
	for _, b := range blobs {
		if _, ok := server.blobs[b.Digest.Hex]; !ok {
			t.Fatalf("blob %s not stored", b.Digest.Short())
		}
	}
}

// Large-blob round trip: streamed upload, empty find-missing, streamed read
// returning identical bytes.
func TestLargeBlobRoundTrip(t *testing.T) {
	client, server := newTestClient(t, hashing.TypeCompatible)
	ctx := context.Background()
	f := client.hash

	data := make([]byte, testBatchLimit+1)
	rand.New(rand.NewSource(8)).Read(data)
	blob := blobOf(f, data)

	if err := client.Upload(ctx, []anvil.ArtifactBlob{blob}, true); err != nil {
		t.Fatal(err)
	}
	missing, err := client.MissingDigests(ctx, []hashing.Digest{blob.Digest})
	if err != nil || len(missing) != 0 {
		t.Fatalf("after streamed upload: missing %v, err %v", missing, err)
	}

	back, err := client.readBlob(ctx, blob.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("downloaded bytes differ")
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.streamReads == 0 {
		t.Fatal("oversize blob must be read via the byte stream")
	}
}

func TestReadBlobsMixesBatchAndStream(t *testing.T) {
	client, _ := newTestClient(t, hashing.TypeCompatible)
	ctx := context.Background()
	f := client.hash

	small := blobOf(f, []byte("small"))
	big := blobOf(f, bytes.Repeat([]byte("B"), testBatchLimit+5))
	if err := client.Upload(ctx, []anvil.ArtifactBlob{small, big}, true); err != nil {
		t.Fatal(err)
	}

	out, err := client.readBlobs(ctx, []hashing.Digest{small.Digest, big.Digest})
	if err != nil {
		t.Fatal(err)
	}
	if string(out[small.Digest.Hex]) != "small" {
		t.Fatal("small blob corrupted")
	}
	if int64(len(out[big.Digest.Hex])) != big.Digest.Size {
		t.Fatal("big blob truncated")
	}
}

// UploadTree pushes leaves and directories so the root's closure is
// complete on the server.
func TestUploadTreeClosure(t *testing.T) {
	client, server := newTestClient(t, hashing.TypeCompatible)
	ctx := context.Background()

	leaf, err := client.store.StoreBlob([]byte("leaf content"), false)
	if err != nil {
		t.Fatal(err)
	}
	root, err := client.UploadTree(ctx, []execapi.NamedObject{{
		Path: "dir/leaf",
		Info: anvil.ObjectInfo{Digest: leaf, Type: anvil.ObjectFile},
	}})
	if err != nil {
		t.Fatal(err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if _, ok := server.blobs[root.Hex]; !ok {
		t.Fatal("root directory not uploaded")
	}
	if _, ok := server.blobs[leaf.Hex]; !ok {
		t.Fatal("leaf not uploaded")
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.normalized()
	if p.MaxAttempts != DefaultMaxAttempts || p.InitialBackoff != DefaultInitialBackoff || p.MaxBackoff != DefaultMaxBackoff {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestResourceNames(t *testing.T) {
	c := &Client{cfg: Config{InstanceName: "main"}}
	d := hashing.Digest{Hex: "abc", Size: 7}
	if got := c.readResourceName(d); got != "main/blobs/abc/7" {
		t.Fatalf("read resource %q", got)
	}
	if !strings.HasPrefix(c.writeResourceName(d), "main/uploads/") ||
		!strings.HasSuffix(c.writeResourceName(d), "/blobs/abc/7") {
		t.Fatalf("write resource %q", c.writeResourceName(d))
	}

	bare := &Client{}
	if got := bare.readResourceName(d); got != "blobs/abc/7" {
		t.Fatalf("instanceless read resource %q", got)
	}
}
