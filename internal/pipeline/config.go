package pipeline

import (
	"fmt"
	"time"

	"github.com/agleyzer/vodgrab/internal/converter"
	"github.com/agleyzer/vodgrab/internal/diagnostics"
	"github.com/agleyzer/vodgrab/internal/downloader"
	"github.com/agleyzer/vodgrab/internal/fetch"
	"github.com/agleyzer/vodgrab/internal/parser"
	"github.com/agleyzer/vodgrab/internal/resolver"
)

// Config holds everything an Orchestrator needs from its environment.
type Config struct {
	// OutputDir holds raw stream files and final artifacts.
	OutputDir string
	// FFmpegPath is the conversion tool.
	FFmpegPath string
	// FFprobePath is the stream probing tool.
	FFprobePath string
	// UserAgent is sent with every outbound request.
	UserAgent string

	// ProbeTimeout bounds each resolver candidate probe.
	ProbeTimeout time.Duration
	// PageTimeout bounds the page fetch used for scraping.
	PageTimeout time.Duration
	// PlaylistTimeout bounds each playlist fetch.
	PlaylistTimeout time.Duration
	// SegmentTimeout bounds each segment transfer.
	SegmentTimeout time.Duration
	// ConversionTimeout bounds each conversion strategy.
	ConversionTimeout time.Duration
	// DiagnosticTimeout bounds the ffprobe call.
	DiagnosticTimeout time.Duration

	// MaxPlaylistDepth caps how many master playlists are followed.
	MaxPlaylistDepth int
	// DiagnosticPrefixBytes is how much of a raw stream is checked for packet alignment.
	DiagnosticPrefixBytes int
	// DisableProbe skips ffprobe during diagnostics.
	DisableProbe bool

	// Templates are the resolver candidate endpoints.
	Templates []string
	// DefaultHost expands templates for bare numeric ids.
	DefaultHost string

	// ProgressEvery logs download progress every N segments. Negative disables it.
	ProgressEvery int
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}

	if c.MaxPlaylistDepth < 0 {
		return fmt.Errorf("max playlist depth must not be negative, got %d", c.MaxPlaylistDepth)
	}

	if c.DiagnosticPrefixBytes < 0 {
		return fmt.Errorf("diagnostic prefix bytes must not be negative, got %d", c.DiagnosticPrefixBytes)
	}

	// Set defaults
	if c.FFmpegPath == "" {
		c.FFmpegPath = converter.DefaultFFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = diagnostics.DefaultFFprobePath
	}
	if c.UserAgent == "" {
		c.UserAgent = fetch.DefaultUserAgent
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = resolver.DefaultProbeTimeout
	}
	if c.PageTimeout == 0 {
		c.PageTimeout = resolver.DefaultPageTimeout
	}
	if c.PlaylistTimeout == 0 {
		c.PlaylistTimeout = parser.DefaultTimeout
	}
	if c.SegmentTimeout == 0 {
		c.SegmentTimeout = downloader.DefaultSegmentTimeout
	}
	if c.ConversionTimeout == 0 {
		c.ConversionTimeout = converter.DefaultTimeout
	}
	if c.DiagnosticTimeout == 0 {
		c.DiagnosticTimeout = diagnostics.DefaultProbeTimeout
	}
	if c.MaxPlaylistDepth == 0 {
		c.MaxPlaylistDepth = parser.DefaultMaxDepth
	}
	if c.DiagnosticPrefixBytes == 0 {
		c.DiagnosticPrefixBytes = diagnostics.DefaultPrefixBytes
	}
	if len(c.Templates) == 0 {
		c.Templates = resolver.DefaultTemplates
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = 25
	}

	return nil
}
