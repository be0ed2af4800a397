// Package parser provides HLS playlist parsing functionality.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Errors reported for a playlist as a whole.
var (
	// ErrEmpty means the playlist parsed but listed no segments.
	ErrEmpty = errors.New("variant is empty")

	// ErrUnloadable means the playlist could not be fetched or is not an
	// M3U playlist at all.
	ErrUnloadable = errors.New("variant could not be loaded")
)

const (
	tagHeader            = "#EXTM3U"
	tagStreamInf         = "#EXT-X-STREAM-INF:"
	tagMedia             = "#EXT-X-MEDIA:"
	tagInf               = "#EXTINF:"
	tagTargetDuration    = "#EXT-X-TARGETDURATION:"
	tagMediaSequence     = "#EXT-X-MEDIA-SEQUENCE:"
	tagDiscontinuitySeq  = "#EXT-X-DISCONTINUITY-SEQUENCE:"
	tagDiscontinuity     = "#EXT-X-DISCONTINUITY"
	tagKey               = "#EXT-X-KEY:"
	tagByteRange         = "#EXT-X-BYTERANGE:"
	tagEndList           = "#EXT-X-ENDLIST"
	tagStart             = "#EXT-X-START:"
	methodAES128         = "AES-128"
	methodNone           = "NONE"
	renditionTypeAudio   = "AUDIO"
	attributeYes         = "YES"
	singleVariantName    = "single"
	defaultAudioGroupTag = "audio"
)

// IsPlaylist reports whether text starts with the M3U header.
func IsPlaylist(text string) bool {
	return strings.HasPrefix(strings.TrimLeft(text, "\uFEFF \t\r\n"), tagHeader)
}

// IsMaster reports whether text is a master playlist.
func IsMaster(text string) bool {
	return strings.Contains(text, tagStreamInf)
}

// lines yields trimmed, non-empty playlist lines.
func lines(text string, fn func(line string)) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}
