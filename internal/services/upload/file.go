package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// NewFile builds a batch input from an in-memory or already opened source.
// An empty content type becomes DefaultContentType.
func NewFile(name, contentType string, size int64, content io.ReaderAt) File {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return File{
		Identity: FileIdentity{Name: name, Size: size, ContentType: contentType},
		Content:  content,
	}
}

// BytesFile wraps a byte slice as a batch input
func BytesFile(name, contentType string, data []byte) File {
	return NewFile(name, contentType, int64(len(data)), bytes.NewReader(data))
}

// OpenFile opens path for upload. The content type comes from the file
// extension, then from sniffing the first 512 bytes. The caller closes the
// returned file once the batch has settled.
func OpenFile(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		head := make([]byte, 512)
		n, err := f.ReadAt(head, 0)
		if err != nil && err != io.EOF {
			f.Close()
			return File{}, nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if n > 0 {
			contentType = http.DetectContentType(head[:n])
		}
	}

	return NewFile(filepath.Base(path), contentType, info.Size(), f), f, nil
}
