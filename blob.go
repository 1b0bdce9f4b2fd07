package anvil

import (
	"bytes"
	"io"
	"os"

	"github.com/anvilbuild/anvil/hashing"
)

// ArtifactBlob is a digest-identified piece of content on its way into or
// out of a store. The content is either held in memory or backed by a file;
// readers must not assume either and should go through Reader or WriteTo.
type ArtifactBlob struct {
	Digest       hashing.Digest
	IsExecutable bool

	data []byte
	path string
}

// NewBlobFromBytes wraps in-memory content.
func NewBlobFromBytes(digest hashing.Digest, data []byte, executable bool) ArtifactBlob {
	return ArtifactBlob{Digest: digest, IsExecutable: executable, data: data}
}

// NewBlobFromFile wraps file-backed content. The file must outlive the blob.
func NewBlobFromFile(digest hashing.Digest, path string, executable bool) ArtifactBlob {
	return ArtifactBlob{Digest: digest, IsExecutable: executable, path: path}
}

// InMemory reports whether the content is held in memory.
func (b ArtifactBlob) InMemory() bool {
	return b.path == ""
}

// Path returns the backing file path, or empty for in-memory blobs.
func (b ArtifactBlob) Path() string {
	return b.path
}

// Reader opens the content for reading. The caller closes it.
func (b ArtifactBlob) Reader() (io.ReadCloser, error) {
	if b.path != "" {
		return os.Open(b.path)
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Bytes materializes the content in memory.
func (b ArtifactBlob) Bytes() ([]byte, error) {
	if b.path != "" {
		return os.ReadFile(b.path)
	}
	return b.data, nil
}
