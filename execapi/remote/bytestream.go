package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	bspb "google.golang.org/genproto/googleapis/bytestream"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/uuid"
)

// streamChunkSize is the write granularity over the byte stream; well below
// the message limit so framing never tips a chunk over it.
const streamChunkSize = 1024 * 1024

// writeResourceName forms the upload target for one blob.
func (c *Client) writeResourceName(d hashing.Digest) string {
	prefix := ""
	if c.cfg.InstanceName != "" {
		prefix = c.cfg.InstanceName + "/"
	}
	return fmt.Sprintf("%suploads/%s/blobs/%s/%d", prefix, uuid.NewString(), d.Hex, d.Size)
}

// readResourceName forms the download source for one blob.
func (c *Client) readResourceName(d hashing.Digest) string {
	prefix := ""
	if c.cfg.InstanceName != "" {
		prefix = c.cfg.InstanceName + "/"
	}
	return fmt.Sprintf("%sblobs/%s/%d", prefix, d.Hex, d.Size)
}

// streamWriteBlob uploads one blob over the byte stream. The whole transfer
// is one retriable unit; a mid-stream UNAVAILABLE restarts it under a fresh
// upload id.
func (c *Client) streamWriteBlob(ctx context.Context, blob anvil.ArtifactBlob) error {
	return c.withRetry(ctx, "ByteStream.Write", func(ctx context.Context) error {
		rd, err := blob.Reader()
		if err != nil {
			return err
		}
		defer rd.Close()

		stream, err := c.bsCli.Write(ctx)
		if err != nil {
			return err
		}
		resource := c.writeResourceName(blob.Digest)

		buf := make([]byte, streamChunkSize)
		var offset int64
		for {
			n, readErr := io.ReadFull(rd, buf)
			if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
				req := &bspb.WriteRequest{
					ResourceName: resource,
					WriteOffset:  offset,
					Data:         buf[:n],
					FinishWrite:  true,
				}
				if err := stream.Send(req); err != nil && err != io.EOF {
					return err
				}
				break
			}
			if readErr != nil {
				return readErr
			}
			req := &bspb.WriteRequest{
				ResourceName: resource,
				WriteOffset:  offset,
				Data:         buf[:n],
			}
			if err := stream.Send(req); err != nil {
				if err == io.EOF {
					break // the server closed early; CloseAndRecv tells why
				}
				return err
			}
			offset += int64(n)
			resource = "" // only the first message names the resource
		}

		resp, err := stream.CloseAndRecv()
		if err != nil {
			return err
		}
		if got := resp.GetCommittedSize(); got != blob.Digest.Size {
			return fmt.Errorf("stream upload of %s committed %d of %d bytes",
				blob.Digest.Short(), got, blob.Digest.Size)
		}
		return nil
	})
}

// streamReadBlob downloads one blob over the byte stream into memory.
func (c *Client) streamReadBlob(ctx context.Context, d hashing.Digest) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.streamReadBlobTo(ctx, d, &buf, buf.Reset); err != nil {
		return nil, err
	}
	if d.SizeKnown() && int64(buf.Len()) != d.Size {
		return nil, fmt.Errorf("stream download of %s returned %d of %d bytes",
			d.Short(), buf.Len(), d.Size)
	}
	return buf.Bytes(), nil
}

// streamReadBlobTo downloads one blob into w; reset rewinds w before a
// retry attempt so restarts never duplicate content.
func (c *Client) streamReadBlobTo(ctx context.Context, d hashing.Digest, w io.Writer, reset func()) error {
	return c.withRetry(ctx, "ByteStream.Read", func(ctx context.Context) error {
		if reset != nil {
			reset()
		}
		stream, err := c.bsCli.Read(ctx, &bspb.ReadRequest{
			ResourceName: c.readResourceName(d),
		})
		if err != nil {
			return err
		}
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := w.Write(resp.GetData()); err != nil {
				return err
			}
		}
	})
}

// streamReadBlobToFile materializes a blob at path without holding it in
// memory; large downloads bypass the batch path entirely.
func (c *Client) streamReadBlobToFile(ctx context.Context, d hashing.Digest, path string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	reset := func() {
		f.Seek(0, io.SeekStart)
		f.Truncate(0)
	}
	if err := c.streamReadBlobTo(ctx, d, f, reset); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
