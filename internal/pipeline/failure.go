package pipeline

import (
	"github.com/agleyzer/vodgrab/internal/apperr"
)

// Failure is returned by Run when no deliverable could be produced.
type Failure struct {
	Kind        apperr.Kind `json:"kind"`
	Message     string      `json:"error"`
	Causes      []string    `json:"possibleCauses"`
	Suggestions []string    `json:"suggestions"`
	Err         error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Message + ": " + f.Err.Error()
	}
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type guidance struct {
	message     string
	causes      []string
	suggestions []string
}

var guidanceByKind = map[apperr.Kind]guidance{
	apperr.KindResolution: {
		message: "Could not find a video stream for this URL",
		causes: []string{
			"The URL does not contain a recognizable video identifier",
			"The video is private, removed or region restricted",
			"The platform requires a signed access token for its playlists",
		},
		suggestions: []string{
			"Check that the URL opens the video in a browser",
			"Paste the direct .m3u8 playlist URL from the browser's network inspector",
		},
	},
	apperr.KindParse: {
		message: "Could not read the video playlist",
		causes: []string{
			"The playlist URL has expired or is unreachable",
			"The response is not an HLS playlist",
			"The playlist lists no segments or variants",
		},
		suggestions: []string{
			"Fetch a fresh playlist URL and try again soon after",
			"Verify the URL returns text starting with #EXTM3U",
		},
	},
	apperr.KindDownload: {
		message: "Could not download any part of the video",
		causes: []string{
			"Segment URLs require cookies or tokens that were not supplied",
			"The upstream server is rate limiting or blocking requests",
			"The network connection was interrupted",
		},
		suggestions: []string{
			"Try again in a few minutes",
			"Use a fresh playlist URL copied from an active browser session",
		},
	},
	apperr.KindFilesystem: {
		message: "Could not write the video file",
		causes: []string{
			"The output directory is not writable",
			"The disk is full",
		},
		suggestions: []string{
			"Check free space and permissions on the output directory",
		},
	},
}

var fallbackGuidance = guidance{
	message: "The capture failed unexpectedly",
	causes: []string{
		"An unexpected internal error occurred",
	},
	suggestions: []string{
		"Try again and check the service logs if it keeps failing",
	},
}

func newFailure(err error) *Failure {
	kind := apperr.KindOf(err)
	g, ok := guidanceByKind[kind]
	if !ok {
		g = fallbackGuidance
	}
	return &Failure{
		Kind:        kind,
		Message:     g.message,
		Causes:      g.causes,
		Suggestions: g.suggestions,
		Err:         err,
	}
}
