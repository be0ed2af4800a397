// Package integration provides integration testing utilities for hlsplay.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"
)

// TestHarness manages the test environment for integration tests: a file
// server holding the source stream, and an hlsplay origin looping it.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	originCmd  *exec.Cmd
	originPort int
	tempDir    string
	binary     string
	cancel     context.CancelFunc
}

// NewTestHarness creates a new test harness. The test is skipped when the
// hlsplay binary has not been built.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		httpPort:   findAvailablePort(t),
		originPort: findAvailablePort(t),
		binary:     findBinary(t),
	}
}

// StartHTTPServer starts an HTTP server serving files added with AddFile.
func (h *TestHarness) StartHTTPServer() {
	h.t.Helper()

	h.tempDir = h.t.TempDir()

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(h.tempDir)))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(h.SourceURL(""), 5*time.Second)
	h.t.Logf("HTTP server started on port %d", h.httpPort)
}

// AddFile adds a playlist or segment to the HTTP server.
// Must be called after StartHTTPServer.
func (h *TestHarness) AddFile(name string, data []byte) {
	h.t.Helper()

	if h.tempDir == "" {
		h.t.Fatal("StartHTTPServer must be called before AddFile")
	}

	path := filepath.Join(h.tempDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
}

// SourceURL returns the URL of a file on the source server.
func (h *TestHarness) SourceURL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.httpPort, name)
}

// OriginURL returns the URL of a path on the origin.
func (h *TestHarness) OriginURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.originPort, path)
}

// StartOrigin runs "hlsplay origin" over the source playlist.
func (h *TestHarness) StartOrigin(playlistName string, windowSize int, args ...string) {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	cmdArgs := []string{
		"origin",
		"--port", fmt.Sprintf("%d", h.originPort),
		"--window-size", fmt.Sprintf("%d", windowSize),
	}
	cmdArgs = append(cmdArgs, args...)
	cmdArgs = append(cmdArgs, h.SourceURL(playlistName))

	h.originCmd = exec.CommandContext(ctx, h.binary, cmdArgs...)
	h.originCmd.Stdout = os.Stdout
	h.originCmd.Stderr = os.Stderr

	if err := h.originCmd.Start(); err != nil {
		h.t.Fatalf("failed to start origin: %v", err)
	}

	h.waitForServer(h.OriginURL("/health"), 10*time.Second)
	h.t.Logf("origin started on port %d", h.originPort)
}

// Play runs "hlsplay play" to completion and returns its standard output.
func (h *TestHarness) Play(timeout time.Duration, args ...string) (string, error) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, h.binary, append([]string{"play", "--stats-interval", "0"}, args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	return stdout.String(), err
}

// Fetch fetches a path from the origin.
func (h *TestHarness) Fetch(path string) string {
	h.t.Helper()

	resp, err := http.Get(h.OriginURL(path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code for %s: %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s: %v", path, err)
	}

	return string(body)
}

// FetchPlaylist fetches the root playlist from the origin.
func (h *TestHarness) FetchPlaylist() string {
	return h.Fetch("/playlist.m3u8")
}

// FetchVariantPlaylist fetches a variant playlist from the origin.
func (h *TestHarness) FetchVariantPlaylist(variantIndex int) string {
	return h.Fetch(fmt.Sprintf("/variant%d/playlist.m3u8", variantIndex))
}

// FetchHealth fetches the health endpoint and returns the JSON response.
func (h *TestHarness) FetchHealth() string {
	return h.Fetch("/health")
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.originCmd != nil && h.originCmd.Process != nil {
		h.originCmd.Process.Kill()
		h.originCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findBinary locates the hlsplay binary.
func findBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../hlsplay",         // From test/integration
		"./hlsplay",             // From project root
		"../hlsplay",            // From test directory
		"./cmd/hlsplay/hlsplay", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found hlsplay binary at: %s", absPath)
			return absPath
		}
	}

	t.Skip("hlsplay binary not found. Run 'go build -o hlsplay ./cmd/hlsplay' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// ParsedPlaylist is the part of a media playlist the tests look at.
type ParsedPlaylist struct {
	TargetDuration float64
	MediaSequence  uint64
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration      float64
	URL           string
	Discontinuity bool
}

// ParsePlaylist decodes a media playlist.
func ParsePlaylist(t *testing.T, content string) *ParsedPlaylist {
	t.Helper()

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err != nil {
		t.Fatalf("failed to decode playlist: %v\n%s", err, content)
	}
	if listType != m3u8.MEDIA {
		t.Fatalf("expected a media playlist, got:\n%s", content)
	}
	media := p.(*m3u8.MediaPlaylist)

	playlist := &ParsedPlaylist{
		TargetDuration: media.TargetDuration,
		MediaSequence:  media.SeqNo,
		HasEndList:     media.Closed,
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		playlist.Segments = append(playlist.Segments, PlaylistSegment{
			Duration:      seg.Duration,
			URL:           seg.URI,
			Discontinuity: seg.Discontinuity,
		})
	}
	return playlist
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}

// readFile reads a file written by a command under test.
func (h *TestHarness) readFile(path string) []byte {
	h.t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		h.t.Fatalf("failed to read %s: %v", path, err)
	}
	return data
}
