package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Header names of the resumable upload protocol
const (
	HeaderResumable         = "x-goog-resumable"
	HeaderUploadContentType = "x-upload-content-type"
	HeaderContentRange      = "Content-Range"
	HeaderRange             = "Range"
	HeaderLocation          = "Location"

	// StatusResumeIncomplete is returned by the storage endpoint while a
	// resumable session still expects bytes
	StatusResumeIncomplete = http.StatusPermanentRedirect
)

// StorageClient performs the raw requests of the resumable upload protocol
// against the storage endpoint. URLs are absolute and pre-signed, so no base
// URL or authentication is configured.
type StorageClient struct {
	http *resty.Client
}

// NewStorageClient creates a storage endpoint client. Only session starts and
// status probes are retried by the client itself; a failed data request is
// resumed by the caller from the offset the endpoint reports.
func NewStorageClient(opts Options) *StorageClient {
	opts = opts.withDefaults()

	return &StorageClient{
		http: resty.New().
			SetLogger(restyLogger{opts.Logger}).
			SetTimeout(opts.Timeout).
			SetRetryCount(opts.RetryCount).
			SetRetryWaitTime(opts.RetryWait).
			SetRetryMaxWaitTime(opts.RetryMaxWait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return isControlRequest(r) && retryable(r, err)
			}),
	}
}

// StartSession opens a resumable session using a signed write descriptor.
// The session URL comes back in the Location header.
func (s *StorageClient) StartSession(ctx context.Context, uploadURL, contentType string) (*resty.Response, error) {
	return s.http.R().
		SetContext(ctx).
		SetHeader(HeaderResumable, "start").
		SetHeader(HeaderUploadContentType, contentType).
		SetHeader("Content-Type", contentType).
		Put(uploadURL)
}

// Probe asks the endpoint how many bytes of a session it holds
func (s *StorageClient) Probe(ctx context.Context, sessionURL string, size int64) (*resty.Response, error) {
	return s.http.R().
		SetContext(ctx).
		SetHeader(HeaderContentRange, fmt.Sprintf("bytes */%d", size)).
		Put(sessionURL)
}

// PutRange sends body as the bytes [start, start+len(body)) of a file of the
// given size. declareRange=false omits Content-Range, which is only valid for
// a single request carrying the whole file.
func (s *StorageClient) PutRange(ctx context.Context, sessionURL string, body []byte, start, size int64, declareRange bool) (*resty.Response, error) {
	req := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(body)
	if declareRange {
		req.SetHeader(HeaderContentRange, ContentRange(start, start+int64(len(body)), size))
	}
	return req.Put(sessionURL)
}

// ContentRange formats the half-open range [start, end) of a file of size
// bytes as a Content-Range header value.
func ContentRange(start, end, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end-1, size)
}

// ReceivedBytes interprets the Range header of a 308 reply. "bytes=0-N"
// means N+1 bytes are held; a missing header means none.
func ReceivedBytes(rangeHeader string) (int64, error) {
	rangeHeader = strings.TrimSpace(rangeHeader)
	if rangeHeader == "" {
		return 0, nil
	}

	bounds, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok {
		return 0, fmt.Errorf("unexpected range header %q", rangeHeader)
	}
	first, last, ok := strings.Cut(bounds, "-")
	if !ok || first != "0" {
		return 0, fmt.Errorf("unexpected range header %q", rangeHeader)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unexpected range header %q", rangeHeader)
	}
	return n + 1, nil
}

// isControlRequest reports whether r answers a session start or a status
// probe; both are safe to repeat.
func isControlRequest(r *resty.Response) bool {
	if r == nil || r.Request == nil {
		return false
	}
	if r.Request.Header.Get(HeaderResumable) == "start" {
		return true
	}
	return strings.HasPrefix(r.Request.Header.Get(HeaderContentRange), "bytes */")
}
