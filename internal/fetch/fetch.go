// Package fetch opens HLS segments: byte ranges, live-edge 404 retries,
// AES-128 decryption and the bookkeeping used for bandwidth estimation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/source"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// Segment error kinds.
var (
	ErrSegmentNotFound     = errors.New("segment not found")
	ErrSegmentBroken       = errors.New("unable to open segment")
	ErrSegmentAccessDenied = errors.New("access denied")
	ErrSegmentBadKey       = errors.New("unable to get encryption key")
)

// Default configuration values.
const (
	DefaultOpenTimeout     = 3 * time.Second
	DefaultNotFoundRetries = 5
	DefaultRetryDelay      = 500 * time.Millisecond
	DefaultKeyCacheSize    = 16
)

// Config holds the fetcher configuration.
type Config struct {
	// OpenTimeout bounds connecting and receiving response headers.
	OpenTimeout time.Duration

	// NotFoundRetries is how many times a 404 on a live variant is retried
	// before the segment is given up.
	NotFoundRetries int

	// RetryDelay is the pause between 404 retries.
	RetryDelay time.Duration

	// KeyCacheSize is the number of AES keys kept, by key URL.
	KeyCacheSize int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OpenTimeout:     DefaultOpenTimeout,
		NotFoundRetries: DefaultNotFoundRetries,
		RetryDelay:      DefaultRetryDelay,
		KeyCacheSize:    DefaultKeyCacheSize,
	}
}

// BlockedCounter reports how often the producer has been held back by
// downstream backpressure.
type BlockedCounter interface {
	Blocked() int64
}

// Fetcher opens segments through a source.Opener.
type Fetcher struct {
	cfg     Config
	opener  source.Opener
	keys    *lru.Cache
	blocked BlockedCounter
	logger  *slog.Logger
}

// New creates a fetcher. blocked may be nil, in which case every complete
// transfer yields a bandwidth sample.
func New(cfg Config, o source.Opener, blocked BlockedCounter) (*Fetcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeyCacheSize <= 0 {
		cfg.KeyCacheSize = DefaultKeyCacheSize
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}

	keys, err := lru.New(cfg.KeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}

	return &Fetcher{
		cfg:     cfg,
		opener:  o,
		keys:    keys,
		blocked: blocked,
		logger:  cfg.Logger,
	}, nil
}

func (f *Fetcher) blockedCount() int64 {
	if f.blocked == nil {
		return 0
	}
	return f.blocked.Blocked()
}

// Open opens seg of variant v. Errors wrap one of the segment error kinds,
// or the context error when ctx was cancelled.
func (f *Fetcher) Open(ctx context.Context, v *variant.Variant, seg *segment.Segment) (*Handle, error) {
	if seg.Unavailable {
		return nil, fmt.Errorf("%s: %w", seg, ErrSegmentNotFound)
	}

	var key []byte
	if seg.Encrypted() {
		var err error
		if key, err = f.key(ctx, seg.KeyURL); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrSegmentBadKey, seg.KeyURL, err)
		}
	}

	var r *source.Range
	if seg.Range != nil {
		r = &source.Range{Offset: seg.Range.Offset, Size: seg.Range.Size}
	}

	for attempt := 0; ; attempt++ {
		h, err := f.open(ctx, v, seg, r, key)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case errors.Is(err, source.ErrNotFound):
			if !v.Frozen && attempt < f.cfg.NotFoundRetries {
				f.logger.Debug("segment not there yet, retrying",
					"segment", seg.Sequence,
					"attempt", attempt+1,
				)
				if err := sleep(ctx, f.cfg.RetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			seg.Unavailable = true
			return nil, fmt.Errorf("%w: %s: %w", ErrSegmentNotFound, seg.URL, err)

		case source.StatusCode(err) == 403:
			seg.Unavailable = true
			return nil, fmt.Errorf("%w: %s: %w", ErrSegmentAccessDenied, seg.URL, err)

		default:
			return nil, fmt.Errorf("%w: %s: %w", ErrSegmentBroken, seg.URL, err)
		}
	}
}

// open runs a single attempt. The open phase is bounded by OpenTimeout; the
// returned handle stays readable until closed.
func (f *Fetcher) open(ctx context.Context, v *variant.Variant, seg *segment.Segment, r *source.Range, key []byte) (*Handle, error) {
	opened := time.Now()
	blocked := f.blockedCount()

	hctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(f.cfg.OpenTimeout, cancel)

	src, err := f.opener.Open(hctx, seg.URL, r)
	if !timer.Stop() {
		if err == nil {
			src.Close()
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, source.ErrTimeout
	}
	if err != nil {
		cancel()
		return nil, err
	}

	h := &Handle{
		Segment:  seg,
		Variant:  v,
		src:      src,
		r:        src,
		cancel:   cancel,
		opened:   opened,
		blocked:  blocked,
		counter:  f.blocked,
		expected: src.Size(),
	}

	if key != nil {
		dec, err := newCBCReader(src, key, seg.IV[:])
		if err != nil {
			h.Close()
			return nil, err
		}
		h.r = dec
	}
	return h, nil
}

// key returns the AES key at url, from cache when possible.
func (f *Fetcher) key(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("no key URI")
	}
	if k, ok := f.keys.Get(url); ok {
		return k.([]byte), nil
	}

	kctx, cancel := context.WithTimeout(ctx, f.cfg.OpenTimeout)
	defer cancel()

	data, err := source.ReadAll(kctx, f.opener, url, 64)
	if err != nil {
		return nil, err
	}
	if len(data) != 16 {
		return nil, fmt.Errorf("key is %d bytes, expected 16", len(data))
	}
	f.keys.Add(url, data)
	return data, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle is an open segment.
type Handle struct {
	Segment *segment.Segment
	Variant *variant.Variant

	src      source.Handle
	r        io.Reader
	cancel   context.CancelFunc
	counter  BlockedCounter
	opened   time.Time
	closed   time.Time
	blocked  int64
	expected int64
	bytes    int64
	complete bool
}

// Read reads decrypted segment bytes.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.bytes += int64(n)
	if err == io.EOF {
		h.complete = true
	}
	return n, err
}

// Close releases the underlying stream. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.closed.IsZero() {
		h.closed = time.Now()
	}
	h.cancel()
	return h.src.Close()
}

// Size is the expected transfer size, or -1.
func (h *Handle) Size() int64 { return h.expected }

// BytesRead returns the number of bytes delivered so far.
func (h *Handle) BytesRead() int64 { return h.bytes }

// Sample returns the transfer measurement for bandwidth estimation. ok is
// false unless the segment was read to the end without the producer being
// blocked downstream in the meantime.
func (h *Handle) Sample() (bytes int64, elapsed time.Duration, ok bool) {
	end := h.closed
	if end.IsZero() {
		end = time.Now()
	}
	if !h.complete {
		return h.bytes, end.Sub(h.opened), false
	}
	if h.counter != nil && h.counter.Blocked() != h.blocked {
		return h.bytes, end.Sub(h.opened), false
	}
	return h.bytes, end.Sub(h.opened), true
}
