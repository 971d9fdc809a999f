package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// FLVConfig configures one progressive FLV download.
type FLVConfig struct {
	// URL of the FLV resource.
	URL string

	// MaxResumes bounds how many dropped connections one download may
	// splice back together with range requests. Zero disables
	// resuming.
	MaxResumes int

	// RetryDelay is the pause before the first resume attempt; each
	// further attempt waits one RetryDelay more.
	RetryDelay time.Duration
}

// DefaultFLVConfig returns the download policy used when a job
// specifies nothing.
func DefaultFLVConfig() FLVConfig {
	return FLVConfig{
		MaxResumes: 3,
		RetryDelay: time.Second,
	}
}

// FLV is one progressive FLV download reading as a single contiguous
// byte stream. Dropped connections are spliced back together with
// range requests from the last delivered offset, so the demuxer
// downstream never sees the seam. Resumes are counted against a
// budget; when it is spent the failure surfaces.
type FLV struct {
	ctx    context.Context
	client *Client
	log    *slog.Logger
	cfg    FLVConfig

	body    io.ReadCloser
	offset  int64
	length  int64 // total resource size, -1 when unknown
	resumes int
	closed  bool
}

// OpenFLV issues the initial request and returns the stream positioned
// at byte zero. The context governs the whole download, resumes
// included. A nil logger falls back to slog.Default.
func OpenFLV(ctx context.Context, client *Client, log *slog.Logger, cfg FLVConfig) (*FLV, error) {
	if log == nil {
		log = slog.Default()
	}
	resp, err := client.Get(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: %w", cfg.URL, err)
	}
	f := &FLV{
		ctx:    ctx,
		client: client,
		log:    log.With("source", "flv", "url", cfg.URL),
		cfg:    cfg,
		body:   resp.Body,
		length: resp.ContentLength,
	}
	f.log.Info("download started", "length", resp.ContentLength)
	return f, nil
}

// Read implements io.Reader. Resumable connection drops are hidden;
// io.EOF means the resource genuinely ended.
func (f *FLV) Read(p []byte) (int, error) {
	for {
		if err := f.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := f.body.Read(p)
		if n > 0 {
			f.offset += int64(n)
			return n, nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && !f.truncated() {
			return 0, io.EOF
		}
		if rerr := f.resume(err); rerr != nil {
			return 0, rerr
		}
	}
}

// truncated reports whether the body ended short of the advertised
// length. Streams without one end when the server says so.
func (f *FLV) truncated() bool {
	return f.length >= 0 && f.offset < f.length
}

// resume reopens the download from the current offset. Failed attempts
// keep drawing on the budget; a server that answers without Partial
// Content cannot be spliced and fails the download outright.
func (f *FLV) resume(cause error) error {
	f.body.Close()
	for f.resumes < f.cfg.MaxResumes {
		f.resumes++
		f.log.Warn("connection lost, resuming", "offset", f.offset, "attempt", f.resumes, "error", cause)
		if err := sleep(f.ctx, f.cfg.RetryDelay*time.Duration(f.resumes)); err != nil {
			return err
		}
		resp, err := f.client.GetRange(f.ctx, f.cfg.URL, f.offset)
		if err != nil {
			cause = err
			continue
		}
		if resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			// Anything else restarts from byte zero and would repeat
			// what the demuxer already consumed.
			return fmt.Errorf("%w: resume answered %s", ErrBadStatus, resp.Status)
		}
		if resp.ContentLength >= 0 {
			f.length = f.offset + resp.ContentLength
		} else {
			f.length = -1
		}
		f.body = resp.Body
		f.log.Info("download resumed", "offset", f.offset)
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, cause)
}

// Offset reports how many bytes have been delivered so far.
func (f *FLV) Offset() int64 {
	return f.offset
}

// Close aborts the download.
func (f *FLV) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.body.Close()
}
