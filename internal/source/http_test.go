package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestOpener() *HTTPOpener {
	cfg := DefaultHTTPConfig()
	cfg.Logger = createTestLogger()
	return NewHTTPOpener(cfg)
}

func TestHTTPOpenerReadsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderUserAgent) != DefaultUserAgent {
			t.Errorf("Expected user agent %q, got %q", DefaultUserAgent, r.Header.Get(HeaderUserAgent))
		}
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer server.Close()

	data, err := ReadAll(context.Background(), newTestOpener(), server.URL+"/index.m3u8", 0)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "#EXTM3U\n" {
		t.Errorf("Unexpected body %q", data)
	}
}

func TestHTTPOpenerBrotli(t *testing.T) {
	payload := bytes.Repeat([]byte("#EXTINF:6.0,\nsegment.ts\n"), 50)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderAcceptEncoding) == "" {
			t.Error("Expected Accept-Encoding to be advertised")
		}
		w.Header().Set(HeaderContentEncoding, EncodingBrotli)
		bw := brotli.NewWriter(w)
		bw.Write(payload)
		bw.Close()
	}))
	defer server.Close()

	h, err := newTestOpener().Open(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	if h.Size() != -1 {
		t.Errorf("Expected unknown size for a compressed body, got %d", h.Size())
	}
	got, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %d decompressed bytes, got %d", len(payload), len(got))
	}
}

func TestHTTPOpenerRange(t *testing.T) {
	content := []byte("0123456789abcdefghij")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderAcceptEncoding) != "" {
			t.Error("Expected no compression on ranged requests")
		}
		http.ServeContent(w, r, "seg.ts", time.Time{}, bytes.NewReader(content))
	}))
	defer server.Close()

	h, err := newTestOpener().Open(context.Background(), server.URL, &Range{Offset: 5, Size: 10})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	got, _ := io.ReadAll(h)
	if string(got) != "56789abcde" {
		t.Errorf("Expected 56789abcde, got %q", got)
	}
}

func TestHTTPOpenerRangeIgnoredByServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	h, err := newTestOpener().Open(context.Background(), server.URL, &Range{Offset: 2, Size: 3})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	got, _ := io.ReadAll(h)
	if string(got) != "234" {
		t.Errorf("Expected 234, got %q", got)
	}
	if h.Size() != 3 {
		t.Errorf("Expected size 3, got %d", h.Size())
	}
}

func TestHTTPOpenerStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		notFound bool
	}{
		{"not found", http.StatusNotFound, true},
		{"gone", http.StatusGone, true},
		{"forbidden", http.StatusForbidden, false},
		{"server error", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newTestOpener().Open(context.Background(), server.URL, nil)
			if err == nil {
				t.Fatal("Expected error")
			}
			if errors.Is(err, ErrNotFound) != tt.notFound {
				t.Errorf("Expected ErrNotFound match %v, got %v", tt.notFound, err)
			}
			if StatusCode(err) != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, StatusCode(err))
			}
		})
	}
}

func TestHTTPOpenerTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	cfg := DefaultHTTPConfig()
	cfg.Logger = createTestLogger()
	cfg.Timeout = 50 * time.Millisecond
	o := NewHTTPOpener(cfg)

	_, err := o.Open(context.Background(), server.URL, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestReadAllLimit(t *testing.T) {
	o := OpenerFunc(func(ctx context.Context, url string, r *Range) (Handle, error) {
		return NewBytesHandle(make([]byte, 100)), nil
	})

	if _, err := ReadAll(context.Background(), o, "mem://x", 10); err == nil {
		t.Error("Expected error when exceeding the limit")
	}
	data, err := ReadAll(context.Background(), o, "mem://x", 100)
	if err != nil || len(data) != 100 {
		t.Errorf("Expected 100 bytes, got %d (%v)", len(data), err)
	}
}
