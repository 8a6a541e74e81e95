// Package segment defines the media segment reference produced by playlist parsing.
package segment

// Segment is one entry of a media playlist, in playback order.
type Segment struct {
	// URL is the absolute segment URL (resolved against the playlist URL)
	URL string

	// Duration is the EXTINF duration in seconds, zero when unknown
	Duration float64

	// Sequence is the position in the media playlist
	Sequence int
}

// TotalDuration sums the known durations of segs.
func TotalDuration(segs []Segment) float64 {
	var total float64
	for _, s := range segs {
		total += s.Duration
	}
	return total
}
