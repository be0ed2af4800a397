// The hlsplay command plays HTTP Live Streams and serves static playlists as
// looping live feeds.
package main

import (
	"os"
)

const (
	version = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
