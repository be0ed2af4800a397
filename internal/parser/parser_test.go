package parser

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/source"
	"github.com/agleyzer/hlsplay/internal/variant"
)

func newTestOpener() source.Opener {
	cfg := source.DefaultHTTPConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return source.NewHTTPOpener(cfg)
}

func applyText(t *testing.T, v *variant.Variant, text string) Result {
	t.Helper()
	res, err := ApplyMedia(v, text, segment.NewRegistry())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	return res
}

func TestRefresh_ValidPlaylist(t *testing.T) {
	// Create a test HTTP server with a valid playlist
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:9.9,
segment001.ts
#EXTINF:10.0,
segment002.ts
#EXTINF:10.1,
segment003.ts
#EXT-X-ENDLIST
`
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	v := variant.New("test", server.URL+"/index.m3u8")
	res, err := Refresh(context.Background(), newTestOpener(), v, segment.NewRegistry())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if res.Items != 3 || res.Added != 3 {
		t.Errorf("Expected 3 items and 3 added, got %+v", res)
	}
	if v.TargetDuration != 10*time.Second {
		t.Errorf("Expected target duration 10s, got %v", v.TargetDuration)
	}
	if !v.Frozen {
		t.Error("Expected variant to be frozen after ENDLIST")
	}
	if v.Loaded.IsZero() {
		t.Error("Expected load time to be recorded")
	}

	first := v.Segments()[0]
	if first.Duration != 9900*time.Millisecond {
		t.Errorf("Expected first segment duration 9.9s, got %v", first.Duration)
	}
	if first.Sequence != 0 {
		t.Errorf("Expected first segment sequence 0, got %d", first.Sequence)
	}

	// Check URL resolution - relative URL should be resolved to absolute
	expectedURL := server.URL + "/segment001.ts"
	if first.URL != expectedURL {
		t.Errorf("Expected URL %s, got %s", expectedURL, first.URL)
	}
	if v.Duration() != 30*time.Second {
		t.Errorf("Expected total duration 30s, got %v", v.Duration())
	}
}

func TestRefresh_FrozenIsNotReloaded(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("#EXTM3U\n#EXTINF:4,\na.ts\n#EXT-X-ENDLIST\n"))
	}))
	defer server.Close()

	v := variant.New("vod", server.URL)
	reg := segment.NewRegistry()
	o := newTestOpener()
	for i := 0; i < 3; i++ {
		if _, err := Refresh(context.Background(), o, v, reg); err != nil {
			t.Fatal(err)
		}
	}
	if hits != 1 {
		t.Errorf("Expected 1 request, got %d", hits)
	}
}

func TestApplyMedia_AbsoluteURLs(t *testing.T) {
	v := variant.New("test", "http://origin.example.com/live/index.m3u8")
	applyText(t, v, `#EXTM3U
#EXT-X-TARGETDURATION:5
#EXTINF:4.0,
https://example.com/segment001.ts
#EXTINF:4.0,
https://example.com/segment002.ts
#EXT-X-ENDLIST
`)

	// Absolute URLs should remain unchanged
	if v.Segments()[0].URL != "https://example.com/segment001.ts" {
		t.Errorf("Expected absolute URL unchanged, got %s", v.Segments()[0].URL)
	}
}

func TestApplyMedia_NoTargetDuration(t *testing.T) {
	v := variant.New("test", "http://example.com/index.m3u8")
	applyText(t, v, `#EXTM3U
#EXTINF:5.5,
segment001.ts
#EXTINF:8.2,
segment002.ts
`)

	if v.TargetDuration != 5500*time.Millisecond {
		t.Errorf("Expected target duration from the first segment, got %v", v.TargetDuration)
	}
}

func TestApplyMedia_EmptyPlaylist(t *testing.T) {
	v := variant.New("test", "http://example.com/index.m3u8")
	_, err := ApplyMedia(v, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-ENDLIST\n", segment.NewRegistry())
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("Expected ErrEmpty, got %v", err)
	}
	if errors.Is(err, ErrUnloadable) {
		t.Error("Expected empty to be distinct from unloadable")
	}
}

func TestApplyMedia_InvalidM3U8(t *testing.T) {
	v := variant.New("test", "http://example.com/index.m3u8")
	_, err := ApplyMedia(v, "not a valid m3u8 file", segment.NewRegistry())
	if !errors.Is(err, ErrUnloadable) {
		t.Fatalf("Expected ErrUnloadable, got %v", err)
	}
}

func TestRefresh_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	v := variant.New("test", server.URL)
	_, err := Refresh(context.Background(), newTestOpener(), v, segment.NewRegistry())
	if !errors.Is(err, ErrUnloadable) {
		t.Fatalf("Expected ErrUnloadable for HTTP 404, got %v", err)
	}
	if !errors.Is(err, source.ErrNotFound) {
		t.Errorf("Expected the transport error to be kept, got %v", err)
	}
}

func TestApplyMedia_IdempotentRefresh(t *testing.T) {
	live := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:6,
s100.ts
#EXTINF:6,
s101.ts
#EXTINF:6,
s102.ts
`
	v := variant.New("live", "http://example.com/live.m3u8")
	reg := segment.NewRegistry()

	if _, err := ApplyMedia(v, live, reg); err != nil {
		t.Fatal(err)
	}
	res, err := ApplyMedia(v, live, reg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 0 || v.Len() != 3 {
		t.Errorf("Expected reapplying to add nothing, got added=%d len=%d", res.Added, v.Len())
	}

	grown := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:101
#EXTINF:6,
s101.ts
#EXTINF:6,
s102.ts
#EXTINF:6,
s103.ts
#EXTINF:6,
s104.ts
`
	res, err = ApplyMedia(v, grown, reg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Items != 4 || res.Added != 2 {
		t.Errorf("Expected 4 items and 2 added, got %+v", res)
	}

	segs := v.Segments()
	for i := 1; i < len(segs); i++ {
		if segs[i].Sequence <= segs[i-1].Sequence {
			t.Errorf("Sequences not increasing: %d then %d", segs[i-1].Sequence, segs[i].Sequence)
		}
		if segs[i].TimeOffset != segs[i-1].TimeOffset+segs[i-1].Duration {
			t.Errorf("Timeline gap at seq %d", segs[i].Sequence)
		}
	}
	if v.WindowStart != 101 {
		t.Errorf("Expected window start 101, got %d", v.WindowStart)
	}
	if v.FirstSeq != 100 || v.LastSeq != 104 {
		t.Errorf("Expected range 100-104, got %d-%d", v.FirstSeq, v.LastSeq)
	}
}

func TestApplyMedia_Keys(t *testing.T) {
	v := variant.New("enc", "http://example.com/enc/index.m3u8")
	applyText(t, v, `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:7794
#EXT-X-KEY:METHOD=AES-128,URI="key1.bin"
#EXTINF:6,
a.ts
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k2",IV=0x0102030405060708090a0b0c0d0e0f10
#EXTINF:6,
b.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:6,
c.ts
`)

	segs := v.Segments()
	a, b, c := segs[0], segs[1], segs[2]

	if a.Crypto != segment.CryptoAES128 || a.KeyURL != "http://example.com/enc/key1.bin" {
		t.Errorf("Unexpected key for a: %v %s", a.Crypto, a.KeyURL)
	}
	if binary.BigEndian.Uint32(a.IV[12:]) != 7794 {
		t.Errorf("Expected derived IV from sequence 7794, got %x", a.IV)
	}

	want := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if b.IV != want {
		t.Errorf("Expected explicit IV %x, got %x", want, b.IV)
	}
	if b.KeyURL != "https://keys.example.com/k2" {
		t.Errorf("Unexpected key URL %s", b.KeyURL)
	}
	if c.Encrypted() {
		t.Error("Expected c to be clear after METHOD=NONE")
	}
}

func TestApplyMedia_UnresolvableURIs(t *testing.T) {
	v := variant.New("bad", "http://example.com/index.m3u8")
	res := applyText(t, v, `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:10
#EXT-X-KEY:METHOD=AES-128,URI="%zz"
#EXTINF:4,
a.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:4,
%zz.ts
#EXTINF:4,
c.ts
#EXT-X-ENDLIST
`)

	if res.Items != 3 || res.Added != 2 {
		t.Errorf("Expected 3 items and 2 added, got %+v", res)
	}
	if !v.Frozen {
		t.Error("Expected parsing to continue to the end list")
	}

	segs := v.Segments()
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segs))
	}
	if segs[0].Sequence != 10 || !segs[0].Encrypted() || segs[0].KeyURL != "" {
		t.Errorf("Expected a to keep the method without a key URL, got %+v", segs[0])
	}
	if segs[1].Sequence != 12 || segs[1].URL != "http://example.com/c.ts" {
		t.Errorf("Expected c at sequence 12, got %+v", segs[1])
	}
}

func TestParseIV(t *testing.T) {
	iv, ok := parseIV("0x1")
	if !ok || iv[15] != 1 {
		t.Errorf("Expected short IV right-aligned, got %x", iv)
	}
	if _, ok := parseIV("0xZZ"); ok {
		t.Error("Expected invalid hex to be rejected")
	}
	if _, ok := parseIV("1234"); ok {
		t.Error("Expected missing 0x prefix to be rejected")
	}
}

func TestApplyMedia_ByteRange(t *testing.T) {
	v := variant.New("br", "http://example.com/index.m3u8")
	applyText(t, v, `#EXTM3U
#EXTINF:4,
#EXT-X-BYTERANGE:1000@0
all.ts
#EXTINF:4,
#EXT-X-BYTERANGE:500
all.ts
#EXTINF:4,
#EXT-X-BYTERANGE:200@5000
all.ts
#EXTINF:4,
other.ts
`)

	segs := v.Segments()
	tests := []struct {
		offset, size int64
	}{
		{0, 1000}, {1000, 500}, {5000, 200},
	}
	for i, tt := range tests {
		r := segs[i].Range
		if r == nil || r.Offset != tt.offset || r.Size != tt.size {
			t.Errorf("segment %d: expected %d@%d, got %+v", i, tt.size, tt.offset, r)
		}
	}
	if segs[3].Range != nil {
		t.Errorf("Expected no range on the last segment, got %+v", segs[3].Range)
	}
}

func TestApplyMedia_Discontinuity(t *testing.T) {
	reg := segment.NewRegistry()
	v := variant.New("disc", "http://example.com/index.m3u8")

	if _, err := ApplyMedia(v, `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:1
#EXTINF:4,
a.ts
#EXTINF:4,
b.ts
#EXT-X-DISCONTINUITY
#EXTINF:4,
ad.ts
`, reg); err != nil {
		t.Fatal(err)
	}

	segs := v.Segments()
	if segs[0].Discontinuity.Seq != 0 || segs[1].Discontinuity != segs[0].Discontinuity {
		t.Errorf("Expected a and b in group 0")
	}
	if segs[2].Discontinuity.Seq != 1 {
		t.Errorf("Expected ad in group 1, got %d", segs[2].Discontinuity.Seq)
	}

	// Refresh without an explicit discontinuity sequence: the new segment
	// continues the group of the stored segment preceding it.
	if _, err := ApplyMedia(v, `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:2
#EXTINF:4,
b.ts
#EXT-X-DISCONTINUITY
#EXTINF:4,
ad.ts
#EXTINF:4,
ad2.ts
#EXT-X-DISCONTINUITY
#EXTINF:4,
back.ts
`, reg); err != nil {
		t.Fatal(err)
	}

	segs = v.Segments()
	if segs[3].Discontinuity.Seq != 1 {
		t.Errorf("Expected ad2 in group 1, got %d", segs[3].Discontinuity.Seq)
	}
	if segs[4].Discontinuity.Seq != 2 {
		t.Errorf("Expected back in group 2, got %d", segs[4].Discontinuity.Seq)
	}
	if segs[2].Discontinuity != reg.Get(1) {
		t.Error("Expected groups to come from the shared registry")
	}
}

func TestApplyMedia_DiscontinuitySequenceTag(t *testing.T) {
	v := variant.New("disc", "http://example.com/index.m3u8")
	applyText(t, v, `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:50
#EXT-X-DISCONTINUITY-SEQUENCE:4
#EXTINF:4,
a.ts
#EXT-X-DISCONTINUITY
#EXTINF:4,
b.ts
`)
	segs := v.Segments()
	if segs[0].Discontinuity.Seq != 4 || segs[1].Discontinuity.Seq != 5 {
		t.Errorf("Expected groups 4 and 5, got %d and %d",
			segs[0].Discontinuity.Seq, segs[1].Discontinuity.Seq)
	}
}

func TestApplyMedia_Start(t *testing.T) {
	v := variant.New("live", "http://example.com/index.m3u8")
	applyText(t, v, `#EXTM3U
#EXT-X-START:TIME-OFFSET=12.5,PRECISE=YES
#EXTINF:4,
a.ts
`)
	if !v.HasStart || v.StartOffset != 12500*time.Millisecond {
		t.Errorf("Expected start offset 12.5s, got %v (%v)", v.StartOffset, v.HasStart)
	}
}

func TestParseMaster(t *testing.T) {
	text := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",URI="subs/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.4d001f,mp4a.40.2",RESOLUTION=640x360,AUDIO="aac"
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,CODECS="avc1.640028,mp4a.40.2",RESOLUTION=1280x720,AUDIO="aac"
high.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"
audio-only.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.4d001f"
duplicate.m3u8
`
	m, err := ParseMaster(text, "http://example.com/master.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(m.Variants) != 3 {
		t.Fatalf("Expected 3 variants, got %d", len(m.Variants))
	}
	if m.Skipped != 1 {
		t.Errorf("Expected 1 duplicate skipped, got %d", m.Skipped)
	}

	wantOrder := []int{2560000, 1280000, 64000}
	for i, bw := range wantOrder {
		if m.Variants[i].Bandwidth != bw {
			t.Errorf("variant %d: expected bandwidth %d, got %d", i, bw, m.Variants[i].Bandwidth)
		}
	}

	high := m.Variants[0]
	if high.URL != "http://example.com/high.m3u8" {
		t.Errorf("Unexpected URL %s", high.URL)
	}
	if high.Profile != "High" || high.Level != "4.0" {
		t.Errorf("Expected High 4.0, got %s %s", high.Profile, high.Level)
	}
	if high.Width != 1280 || high.Height != 720 {
		t.Errorf("Expected 1280x720, got %dx%d", high.Width, high.Height)
	}
	if high.AudioGroup != "aac" {
		t.Errorf("Expected audio group aac, got %q", high.AudioGroup)
	}
	if !m.Variants[2].AudioOnly {
		t.Error("Expected the mp4a-only variant to be audio-only")
	}
	if m.Variants[1].AudioOnly {
		t.Error("Expected avc1 variant not to be audio-only")
	}

	if len(m.Renditions) != 2 {
		t.Errorf("Expected 2 renditions, got %d", len(m.Renditions))
	}
	if len(m.Audio) != 1 {
		t.Fatalf("Expected 1 audio rendition variant, got %d", len(m.Audio))
	}
	audio := m.Audio[0]
	if audio.URL != "http://example.com/audio/en.m3u8" || audio.Language != "en" || !audio.Default {
		t.Errorf("Unexpected audio rendition %+v", audio)
	}
}

func TestParseMaster_AllAudioOnly(t *testing.T) {
	m, err := ParseMaster(`#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"
a.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.5"
b.m3u8
`, "http://example.com/master.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range m.Variants {
		if v.AudioOnly {
			t.Errorf("Expected audio-only flag cleared on %s", v.Name)
		}
	}
}

func TestParseMaster_MediaPlaylist(t *testing.T) {
	m, err := ParseMaster("#EXTM3U\n#EXTINF:4,\na.ts\n", "http://example.com/index.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Variants) != 1 || m.Variants[0].Name != "single" {
		t.Fatalf("Expected single variant, got %+v", m.Variants)
	}
	if m.Variants[0].URL != "http://example.com/index.m3u8" {
		t.Errorf("Expected single variant at the base URL, got %s", m.Variants[0].URL)
	}
}

func TestParseMaster_NotPlaylist(t *testing.T) {
	_, err := ParseMaster("<html>", "http://example.com/")
	if !errors.Is(err, ErrUnloadable) {
		t.Errorf("Expected ErrUnloadable, got %v", err)
	}
}

func TestParseMaster_UnresolvableURIs(t *testing.T) {
	m, err := ParseMaster(`#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="Broken",URI="%zz"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",URI="en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2560000,CODECS="avc1.640028"
%zz
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.4d001f"
low.m3u8
`, "http://example.com/master.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(m.Variants) != 1 || m.Variants[0].URL != "http://example.com/low.m3u8" {
		t.Errorf("Expected only the low variant, got %+v", m.Variants)
	}
	if len(m.Audio) != 1 || m.Audio[0].Name != "English" {
		t.Errorf("Expected only the English rendition, got %+v", m.Audio)
	}
	if m.Invalid != 2 {
		t.Errorf("Expected 2 invalid entries, got %d", m.Invalid)
	}
}

func TestIsPlaylist(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"#EXTM3U\n", true},
		{"\uFEFF#EXTM3U\n", true},
		{" \r\n#EXTM3U\n", true},
		{"<html>", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsPlaylist(tt.text); got != tt.want {
			t.Errorf("IsPlaylist(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestLoadMaster(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playlist := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000
high.m3u8
`
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	m, text, err := LoadMaster(context.Background(), newTestOpener(), server.URL+"/master.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !IsMaster(text) {
		t.Error("Expected master text to be returned")
	}
	if len(m.Variants) != 2 || m.Variants[0].URL != server.URL+"/high.m3u8" {
		t.Errorf("Unexpected variants %+v", m.Variants)
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		relativeURL string
		expected    string
		shouldError bool
	}{
		{
			name:        "relative path",
			baseURL:     "http://example.com/path/playlist.m3u8",
			relativeURL: "segment.ts",
			expected:    "http://example.com/path/segment.ts",
		},
		{
			name:        "absolute URL",
			baseURL:     "http://example.com/playlist.m3u8",
			relativeURL: "https://cdn.example.com/segment.ts",
			expected:    "https://cdn.example.com/segment.ts",
		},
		{
			name:        "root relative path",
			baseURL:     "http://example.com/path/playlist.m3u8",
			relativeURL: "/segments/segment.ts",
			expected:    "http://example.com/segments/segment.ts",
		},
		{
			name:        "invalid base",
			baseURL:     "http://[::1",
			relativeURL: "segment.ts",
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := resolveURL(tt.baseURL, tt.relativeURL)
			if tt.shouldError && err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !tt.shouldError && err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if !tt.shouldError && result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}
