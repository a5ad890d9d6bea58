package firmware

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxImageSize bounds the images an HTTPDownloader accepts.
const DefaultMaxImageSize int64 = 256 << 20

// maxPrealloc caps the buffer reserved from Content-Length.
const maxPrealloc int64 = 8 << 20

// HTTPDownloader downloads images with a plain GET
type HTTPDownloader struct {
	client  *http.Client
	maxSize int64
}

// NewHTTPDownloader creates a downloader. A nil client gets a five minute timeout.
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{
			Timeout: 5 * time.Minute,
		}
	}
	return &HTTPDownloader{client: client, maxSize: DefaultMaxImageSize}
}

// SetMaxSize changes the largest accepted image. Non-positive values restore
// the default.
func (d *HTTPDownloader) SetMaxSize(n int64) {
	if n <= 0 {
		n = DefaultMaxImageSize
	}
	d.maxSize = n
}

// Download fetches the image at d.URL
func (d *HTTPDownloader) Download(ctx context.Context, desc Descriptor, progress ProgressCallback) ([]byte, error) {
	u, err := url.Parse(desc.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, desc.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download: %w", ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s returned %d", ErrInvalidURI, desc.URL, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrConnectionLost, resp.StatusCode)
	}

	contentLength := resp.ContentLength
	if contentLength > d.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrOutOfMemory, contentLength, d.maxSize)
	}
	data := make([]byte, 0, min(max(contentLength, 0), maxPrealloc))
	buffer := make([]byte, 32*1024)
	totalRead := int64(0)

	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			totalRead += int64(n)
			if totalRead > d.maxSize {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrOutOfMemory, d.maxSize)
			}
			data = append(data, buffer[:n]...)

			if progress != nil && contentLength > 0 {
				progress(totalRead, contentLength, float64(totalRead)/float64(contentLength)*100)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read response: %w", ErrConnectionLost, err)
		}
	}

	if contentLength > 0 && totalRead != contentLength {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrConnectionLost, totalRead, contentLength)
	}
	return data, nil
}

// Verify checks data against the hex digest in d.Verifier: MD5 for 32
// characters, SHA-256 for 64. An empty verifier accepts any image.
func (d *HTTPDownloader) Verify(data []byte, desc Descriptor) error {
	expected := strings.ToLower(strings.TrimSpace(desc.Verifier))
	var h hash.Hash
	switch len(expected) {
	case 0:
		return nil
	case 32:
		h = md5.New()
	case 64:
		h = sha256.New()
	default:
		return fmt.Errorf("%w: unsupported verifier %q", ErrVerificationFailed, desc.Verifier)
	}

	h.Write(data)
	digest := hex.EncodeToString(h.Sum(nil))
	if digest != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrVerificationFailed, expected, digest)
	}
	return nil
}
