// Package source is the byte-stream abstraction the player reads playlists,
// segments and keys through.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Common errors returned by openers.
var (
	ErrNotFound = errors.New("resource not found")
	ErrTimeout  = errors.New("open timeout")
)

// Range selects bytes [Offset, Offset+Size) of a resource.
type Range struct {
	Offset int64
	Size   int64
}

// End returns the offset one past the last byte.
func (r Range) End() int64 { return r.Offset + r.Size }

// Handle is an open resource.
type Handle interface {
	io.ReadCloser

	// Size returns the number of bytes the handle will deliver, or -1.
	Size() int64
}

// Opener opens resources by URL.
type Opener interface {
	Open(ctx context.Context, url string, r *Range) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, url string, r *Range) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, url string, r *Range) (Handle, error) {
	return f(ctx, url, r)
}

// ProtocolError is a transport-level failure with a status code.
type ProtocolError struct {
	URL  string
	Code int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: status %d", e.URL, e.Code)
}

// Is makes 404 and 410 match ErrNotFound.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrNotFound && (e.Code == 404 || e.Code == 410)
}

// StatusCode extracts the protocol status code from err, or 0.
func StatusCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// ReadAll opens url and reads it completely, refusing more than limit bytes
// when limit is positive.
func ReadAll(ctx context.Context, o Opener, url string, limit int64) ([]byte, error) {
	h, err := o.Open(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	var r io.Reader = h
	if limit > 0 {
		r = io.LimitReader(h, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("read %s: more than %d bytes", url, limit)
	}
	return data, nil
}

// bytesHandle serves an in-memory buffer.
type bytesHandle struct {
	data []byte
	off  int
}

// NewBytesHandle returns a Handle reading data.
func NewBytesHandle(data []byte) Handle {
	return &bytesHandle{data: data}
}

func (b *bytesHandle) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

func (b *bytesHandle) Close() error { return nil }

func (b *bytesHandle) Size() int64 { return int64(len(b.data)) }
