package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasew/picturecache/internal/model"
)

// ChunkSize is the amount read between two cancellation checkpoints.
const ChunkSize = 32 * 1024

// DefaultUserAgent is sent when Fetcher.UserAgent is empty.
const DefaultUserAgent = "picturecache/1.0"

// Checkpoint is polled before every chunk. A non-nil error stops the transfer
// and is returned as is.
type Checkpoint func() error

// Fetcher performs a single attempt to copy a source into a writer. Sources
// are http(s) URLs, plus file:// URLs and absolute paths when AllowLocal is set.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	// AllowLocal enables file:// URLs and absolute paths.
	AllowLocal bool
	// Timeout bounds a whole transfer. 0 disables it.
	Timeout time.Duration
	// Progress, when set, returns a writer mirroring the transfer. total is
	// -1 when unknown.
	Progress func(total int64) io.Writer
}

func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		Client:  client,
		Timeout: timeout,
	}
}

// Fetch copies the source into out and returns the number of bytes written.
// Failures are wrapped in model.ErrFetchFailed; a non-200 response also
// carries a *model.HTTPStatusError.
func (f *Fetcher) Fetch(ctx context.Context, source string, out io.Writer, checkpoint Checkpoint) (int64, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	body, size, err := f.open(ctx, source)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	if f.Progress != nil {
		if pw := f.Progress(size); pw != nil {
			out = io.MultiWriter(out, pw)
		}
	}
	return copyChunks(ctx, out, body, checkpoint)
}

func (f *Fetcher) open(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	if filepath.IsAbs(source) {
		return f.openLocal(source)
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: malformed url %q: %v", model.ErrFetchFailed, source, err)
	}
	switch u.Scheme {
	case "file":
		return f.openLocal(u.Path)
	case "http", "https":
	default:
		return nil, 0, fmt.Errorf("%w: unsupported url %q", model.ErrFetchFailed, source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}
	ua := f.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %w", model.ErrFetchFailed, &model.HTTPStatusError{StatusCode: resp.StatusCode})
	}
	return resp.Body, resp.ContentLength, nil
}

func (f *Fetcher) openLocal(path string) (io.ReadCloser, int64, error) {
	if !f.AllowLocal {
		return nil, 0, fmt.Errorf("%w: local sources are disabled: %s", model.ErrFetchFailed, path)
	}
	return openFile(path)
}

func openFile(path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}
	if !info.Mode().IsRegular() {
		_ = file.Close()
		return nil, 0, fmt.Errorf("%w: %s is not a regular file", model.ErrFetchFailed, path)
	}
	return file, info.Size(), nil
}

func copyChunks(ctx context.Context, out io.Writer, body io.Reader, checkpoint Checkpoint) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if checkpoint != nil {
			if err := checkpoint(); err != nil {
				return written, err
			}
		}
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("%w: write: %v", model.ErrFetchFailed, err)
			}
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: read: %v", model.ErrFetchFailed, rerr)
		}
	}
}
