// Package dumpfetch produces a resumable decompressed byte stream from a
// dump URL. It speaks http(s) with Range resume and ETag validation, plus
// file:// for local dumps, and layers bzip2 decompression on .bz2 sources.
package dumpfetch

import (
	"bufio"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"

	"github.com/orneryd/pocketwiki/pkg/envutil"
)

var (
	// ErrResumeDowngraded reports that a non-zero offset was requested but
	// the server answered 200 instead of 206. The caller must discard its
	// checkpoint and restart from offset zero.
	ErrResumeDowngraded = errors.New("dumpfetch: server ignored Range request")

	// ErrFatalStatus reports a non-retriable HTTP status (4xx).
	ErrFatalStatus = errors.New("dumpfetch: fatal HTTP status")
)

// Options tune the byte source. Zero values fall back to the defaults used
// for full Wikipedia dumps, each overridable through POCKETWIKI_HTTP_* env
// knobs.
type Options struct {
	ChunkSize  int           // network read size (default 1 MiB)
	Timeout    time.Duration // per-request timeout (default 300s)
	MaxRetries int           // transient error budget (default 5)
	Backoff    time.Duration // base of the exponential backoff (default 10s)
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = envutil.GetInt("POCKETWIKI_HTTP_CHUNK_SIZE", 1<<20)
	}
	if o.Timeout <= 0 {
		o.Timeout = envutil.GetDuration("POCKETWIKI_HTTP_TIMEOUT", 300*time.Second)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = envutil.GetInt("POCKETWIKI_HTTP_MAX_RETRIES", 5)
	}
	if o.Backoff <= 0 {
		o.Backoff = envutil.GetDuration("POCKETWIKI_HTTP_RETRY_BACKOFF", 10*time.Second)
	}
	return o
}

// Source is an io.ReadCloser over the decompressed dump bytes. It tracks the
// number of compressed bytes actually consumed so checkpoints can resume at
// the right Range offset even after mid-stream retries.
type Source struct {
	reader io.Reader
	raw    *compressedStream
	file   io.Closer
}

// Open starts streaming rawURL from the given compressed-byte offset.
func Open(ctx context.Context, rawURL string, offset int64, opts Options) (*Source, error) {
	opts = opts.withDefaults()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dumpfetch: parse url: %w", err)
	}

	if parsed.Scheme == "file" {
		return openFile(parsed.Path, offset)
	}

	cs := &compressedStream{
		ctx:    ctx,
		url:    rawURL,
		offset: offset,
		opts:   opts,
		client: newClient(opts),
	}
	if err := cs.connect(true); err != nil {
		return nil, err
	}
	// Network reads are pulled through a buffer of opts.ChunkSize bytes.
	buffered := bufio.NewReaderSize(cs, opts.ChunkSize)
	src := &Source{raw: cs, reader: buffered}
	if strings.HasSuffix(parsed.Path, ".bz2") {
		src.reader = bzip2.NewReader(buffered)
	}
	return src, nil
}

func openFile(path string, offset int64) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dumpfetch: open %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	counting := &countingReader{r: f, offset: offset}
	src := &Source{file: f, reader: counting, raw: &compressedStream{counting: counting}}
	if strings.HasSuffix(path, ".bz2") {
		src.reader = bzip2.NewReader(counting)
	}
	return src, nil
}

func (s *Source) Read(p []byte) (int, error) { return s.reader.Read(p) }

// CompressedOffset returns the absolute number of compressed source bytes
// consumed so far. This is the value checkpoints persist.
func (s *Source) CompressedOffset() int64 {
	if s.raw.counting != nil {
		return s.raw.counting.offset
	}
	return s.raw.offset
}

// Close releases the underlying connection or file.
func (s *Source) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return s.raw.close()
}

type countingReader struct {
	r      io.Reader
	offset int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.offset += int64(n)
	return n, err
}

func newClient(opts Options) *resty.Client {
	// The body must stream: resty's default parsing would buffer the whole
	// multi-gigabyte dump.
	return resty.New().
		SetDoNotParseResponse(true).
		SetTimeout(opts.Timeout)
}

// compressedStream reads raw compressed bytes over HTTP, transparently
// reconnecting with a Range request on transient failures.
type compressedStream struct {
	ctx    context.Context
	url    string
	offset int64
	opts   Options
	client *resty.Client

	body     io.ReadCloser
	counting *countingReader // only set for file:// sources
}

func (cs *compressedStream) connect(initial bool) error {
	backoff := retry.WithMaxRetries(uint64(cs.opts.MaxRetries), retry.NewExponential(cs.opts.Backoff))

	return retry.Do(cs.ctx, backoff, func(ctx context.Context) error {
		req := cs.client.R().SetContext(ctx)
		if cs.offset > 0 {
			req.SetHeader("Range", fmt.Sprintf("bytes=%d-", cs.offset))
		}
		resp, err := req.Get(cs.url)
		if err != nil {
			log.Printf("[dumpfetch] GET %s failed, will retry: %v", cs.url, err)
			return retry.RetryableError(err)
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusOK && cs.offset > 0:
			resp.RawBody().Close()
			if initial {
				// The caller owns the restart-from-zero decision.
				return ErrResumeDowngraded
			}
			// Mid-stream downgrade: burn the prefix to get back in position.
			return cs.reconnectDiscarding(ctx)
		case status == http.StatusOK || status == http.StatusPartialContent:
			cs.body = resp.RawBody()
			return nil
		case status >= 500:
			resp.RawBody().Close()
			log.Printf("[dumpfetch] GET %s returned %d, will retry", cs.url, status)
			return retry.RetryableError(fmt.Errorf("status %d", status))
		default:
			resp.RawBody().Close()
			return fmt.Errorf("%w: %d for %s", ErrFatalStatus, status, cs.url)
		}
	})
}

// reconnectDiscarding re-requests the full object and discards cs.offset
// bytes. Only used when a server stops honouring Range mid-transfer.
func (cs *compressedStream) reconnectDiscarding(ctx context.Context) error {
	resp, err := cs.client.R().SetContext(ctx).Get(cs.url)
	if err != nil {
		return retry.RetryableError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		resp.RawBody().Close()
		return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode()))
	}
	if _, err := io.CopyN(io.Discard, resp.RawBody(), cs.offset); err != nil {
		resp.RawBody().Close()
		return retry.RetryableError(err)
	}
	cs.body = resp.RawBody()
	return nil
}

func (cs *compressedStream) Read(p []byte) (int, error) {
	if cs.counting != nil {
		return cs.counting.Read(p)
	}
	for {
		if cs.body == nil {
			if err := cs.connect(false); err != nil {
				return 0, err
			}
		}
		n, err := cs.body.Read(p)
		cs.offset += int64(n)
		if err == nil || err == io.EOF {
			return n, err
		}
		if n > 0 {
			// Hand back what we got; reconnect on the next call.
			cs.dropConnection()
			return n, nil
		}
		log.Printf("[dumpfetch] read failed at offset %d, reconnecting: %v", cs.offset, err)
		cs.dropConnection()
		if cerr := cs.connect(false); cerr != nil {
			return 0, cerr
		}
	}
}

func (cs *compressedStream) dropConnection() {
	if cs.body != nil {
		cs.body.Close()
		cs.body = nil
	}
}

func (cs *compressedStream) close() error {
	if cs.body != nil {
		err := cs.body.Close()
		cs.body = nil
		return err
	}
	return nil
}
