// Package variant defines the variant stream entries of an HLS master playlist.
package variant

// Variant represents a single variant stream in an HLS master playlist.
type Variant struct {
	// PlaylistURL is the absolute URL of the variant's media playlist
	PlaylistURL string

	// Bandwidth is the peak segment bitrate in bits per second, zero if not declared
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080")
	// Empty string if not specified in master playlist
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string
}
