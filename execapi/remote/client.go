// Package remote implements the execution API against a remote execution
// service speaking the Remote Execution API v2: a CAS with batched and
// streamed blob transfer, an action cache, and an execution service with
// server-streamed operation updates. Every RPC is wrapped in a retrier that
// retries transport-level UNAVAILABLE with truncated exponential backoff
// and surfaces everything else immediately.
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/anvilbuild/anvil/execapi"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/dcontext"
	"github.com/anvilbuild/anvil/storage/cas"
)

// DefaultMaxGRPCMessageSize is the gRPC message limit most servers run
// with; no single request is packed beyond it.
const DefaultMaxGRPCMessageSize = 4 * 1024 * 1024

// TLSConfig carries the optional mutual-TLS material.
type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
}

// Config describes one remote endpoint.
type Config struct {
	Address      string
	InstanceName string
	TLS          *TLSConfig
	Retry        RetryPolicy
}

// Client implements the execution API against a remote endpoint. A client
// keeps one stub per sub-service over a single shared connection; the
// transport multiplexes.
type Client struct {
	cfg   Config
	hash  hashing.Function
	store *cas.CAS

	conn    *grpc.ClientConn
	casCli  pb.ContentAddressableStorageClient
	acCli   pb.ActionCacheClient
	execCli pb.ExecutionClient
	capsCli pb.CapabilitiesClient
	bsCli   bspb.ByteStreamClient

	capsOnce sync.Once
	caps     capabilities
	capsErr  error
}

var _ execapi.API = (*Client)(nil)

// capabilities is what the client consumes from the server's negotiation.
type capabilities struct {
	maxBatchTotalSize int64
	digestOK          bool
}

// New dials the endpoint and prepares the sub-service stubs. The local
// store sources tree-upload content and receives downloaded trees.
func New(cfg Config, hash hashing.Function, store *cas.CAS) (*Client, error) {
	creds, err := transportCredentials(cfg.TLS)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(DefaultMaxGRPCMessageSize*2),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Address, err)
	}
	return &Client{
		cfg:     cfg,
		hash:    hash,
		store:   store,
		conn:    conn,
		casCli:  pb.NewContentAddressableStorageClient(conn),
		acCli:   pb.NewActionCacheClient(conn),
		execCli: pb.NewExecutionClient(conn),
		capsCli: pb.NewCapabilitiesClient(conn),
		bsCli:   bspb.NewByteStreamClient(conn),
	}, nil
}

func transportCredentials(c *TLSConfig) (credentials.TransportCredentials, error) {
	if c == nil {
		return insecure.NewCredentials(), nil
	}
	tlsCfg := &tls.Config{}
	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CACert)
		}
		tlsCfg.RootCAs = pool
	}
	if c.ClientCert != "" || c.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// HashFunction returns the digest family this endpoint was configured for.
func (c *Client) HashFunction() hashing.Function {
	return c.hash
}

// Address returns the endpoint address.
func (c *Client) Address() string {
	return c.cfg.Address
}

// capabilitiesFor fetches and memoizes the server capabilities.
func (c *Client) capabilitiesFor(ctx context.Context) (capabilities, error) {
	c.capsOnce.Do(func() {
		var resp *pb.ServerCapabilities
		err := c.withRetry(ctx, "GetCapabilities", func(ctx context.Context) error {
			var err error
			resp, err = c.capsCli.GetCapabilities(ctx, &pb.GetCapabilitiesRequest{
				InstanceName: c.cfg.InstanceName,
			})
			return err
		})
		if err != nil {
			c.capsErr = err
			return
		}
		cc := resp.GetCacheCapabilities()
		c.caps.maxBatchTotalSize = cc.GetMaxBatchTotalSizeBytes()
		if c.caps.maxBatchTotalSize == 0 || c.caps.maxBatchTotalSize > DefaultMaxGRPCMessageSize {
			c.caps.maxBatchTotalSize = DefaultMaxGRPCMessageSize
		}
		want := pb.DigestFunction_SHA256
		if c.hash.Type() == hashing.TypeNative {
			want = pb.DigestFunction_SHA1
		}
		for _, fn := range cc.GetDigestFunctions() {
			if fn == want {
				c.caps.digestOK = true
			}
		}
		if !c.caps.digestOK {
			c.capsErr = fmt.Errorf("endpoint %s does not support digest function %s",
				c.cfg.Address, want)
		}
		dcontext.GetLogger(ctx).Debugf("capabilities of %s: max batch %d bytes",
			c.cfg.Address, c.caps.maxBatchTotalSize)
	})
	return c.caps, c.capsErr
}

// maxBatchBlobSize is the largest blob that still goes through the batch
// RPCs; beyond it transfers fall back to the byte stream. A margin is kept
// for the digest and framing overhead of the enclosing message.
func (c *Client) maxBatchBlobSize(ctx context.Context) int64 {
	caps, err := c.capabilitiesFor(ctx)
	if err != nil {
		return DefaultMaxGRPCMessageSize / 2
	}
	return caps.maxBatchTotalSize - 1024
}

// BlobSplitSupport reports remote large-object chunking. The standard
// protocol bindings carry no split extension, so this is always false and
// large transfers go through the byte stream instead.
func (c *Client) BlobSplitSupport(context.Context) bool { return false }

// BlobSpliceSupport reports remote large-object splicing; see
// BlobSplitSupport.
func (c *Client) BlobSpliceSupport(context.Context) bool { return false }

// SplitBlob is unsupported on standard remote endpoints.
func (c *Client) SplitBlob(context.Context, hashing.Digest) ([]hashing.Digest, error) {
	return nil, fmt.Errorf("endpoint %s does not advertise blob splitting", c.cfg.Address)
}

// SpliceBlob is unsupported on standard remote endpoints.
func (c *Client) SpliceBlob(context.Context, hashing.Digest, []hashing.Digest) (hashing.Digest, error) {
	return hashing.Digest{}, fmt.Errorf("endpoint %s does not advertise blob splicing", c.cfg.Address)
}
