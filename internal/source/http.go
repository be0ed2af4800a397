package source

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Default HTTP opener configuration values.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultUserAgent            = "hlsplay/1.0"
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRange           = "Range"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// HTTPConfig holds the configuration for the HTTP opener.
type HTTPConfig struct {
	// Timeout bounds the connection and response header phase. The body is
	// read under the caller's context only.
	Timeout time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// EnableDecompression advertises and undoes gzip, deflate and brotli
	// content encodings. Ranged requests are always sent uncompressed.
	EnableDecompression bool

	// Logger is the structured logger for request logging.
	Logger *slog.Logger

	// BaseClient is the underlying http.Client to use.
	// If nil, a default client is created.
	BaseClient *http.Client
}

// DefaultHTTPConfig returns an HTTPConfig with sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:             DefaultTimeout,
		UserAgent:           DefaultUserAgent,
		EnableDecompression: true,
		Logger:              slog.Default(),
	}
}

// HTTPOpener opens http and https URLs.
type HTTPOpener struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPOpener creates an opener with the given configuration.
func NewHTTPOpener(cfg HTTPConfig) *HTTPOpener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.BaseClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}

	return &HTTPOpener{
		config: cfg,
		client: client,
		logger: cfg.Logger,
	}
}

// Open issues a GET for url, optionally restricted to r.
func (o *HTTPOpener) Open(ctx context.Context, url string, r *Range) (Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if o.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, o.config.UserAgent)
	}
	if r != nil {
		req.Header.Set(HeaderRange, fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Size-1))
	} else if o.config.EnableDecompression {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w", url, ErrTimeout)
		}
		return nil, fmt.Errorf("get %s: %w", url, err)
	}

	o.logger.Debug("http open",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusOK && r != nil:
		// Server ignored the range, slice it ourselves.
		if _, err := io.CopyN(io.Discard, resp.Body, r.Offset); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("skip to range start: %w", err)
		}
		return &httpHandle{rc: &limitedBody{Reader: io.LimitReader(resp.Body, r.Size), Closer: resp.Body}, size: r.Size}, nil
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &ProtocolError{URL: url, Code: resp.StatusCode}
	}

	size := resp.ContentLength
	body := o.wrapDecompression(resp)
	if body != resp.Body {
		size = -1
	}
	return &httpHandle{rc: body, size: size}, nil
}

// wrapDecompression wraps the response body with appropriate decompression.
func (o *HTTPOpener) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := resp.Header.Get(HeaderContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case EncodingGzip:
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			o.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}

	case EncodingDeflate:
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}

	case EncodingBrotli:
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}

	default:
		o.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return resp.Body
	}
}

// decompressReader wraps a decompression reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

type limitedBody struct {
	io.Reader
	io.Closer
}

type httpHandle struct {
	rc   io.ReadCloser
	size int64
}

func (h *httpHandle) Read(p []byte) (int, error) { return h.rc.Read(p) }
func (h *httpHandle) Close() error               { return h.rc.Close() }
func (h *httpHandle) Size() int64                { return h.size }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
