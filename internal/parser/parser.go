// Package parser provides HLS playlist parsing and master-to-media resolution.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/agleyzer/vodgrab/internal/apperr"
	"github.com/agleyzer/vodgrab/internal/fetch"
	"github.com/agleyzer/vodgrab/internal/segment"
	"github.com/agleyzer/vodgrab/internal/variant"
	"github.com/grafov/m3u8"
)

const (
	headerTag     = "#EXTM3U"
	streamInfTag  = "#EXT-X-STREAM-INF"
	commentPrefix = "#"

	// DefaultMaxDepth bounds how many master playlists are followed before
	// a media playlist must be reached.
	DefaultMaxDepth = 5

	// DefaultTimeout bounds a single playlist fetch.
	DefaultTimeout = 15 * time.Second
)

// Document is a single parsed playlist.
type Document struct {
	// IsMaster indicates the playlist contains variant stream references
	IsMaster bool

	// Variants lists every stream-info entry followed by a URI line, in order.
	// Only populated for master playlists; the first entry is the chosen variant.
	Variants []variant.Variant

	// Segments lists the media segments in playback order.
	// Only populated for media playlists.
	Segments []segment.Segment
}

// Playlist is the media playlist reached after following master playlists.
type Playlist struct {
	// URL is the media playlist URL the segments were read from
	URL string

	// Variant is the variant chosen from the last master playlist, nil if the
	// first fetched playlist was already a media playlist
	Variant *variant.Variant

	// Segments contains the media segments in playback order
	Segments []segment.Segment

	// Depth is the number of master playlists followed
	Depth int
}

// TotalDuration returns the summed EXTINF durations in seconds.
func (p *Playlist) TotalDuration() float64 {
	return segment.TotalDuration(p.Segments)
}

// Options configures a Parser.
type Options struct {
	MaxDepth int
	Timeout  time.Duration
}

// Parser fetches playlists and follows master playlists down to media segments.
type Parser struct {
	fetcher fetch.Fetcher
	opts    Options
	logger  *slog.Logger
}

// New creates a Parser. Zero option values fall back to package defaults.
func New(fetcher fetch.Fetcher, opts Options, logger *slog.Logger) *Parser {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Parser{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
	}
}

// Load fetches playlistURL and returns its media segments. Master playlists
// are followed through their first variant until a media playlist is found.
func (p *Parser) Load(ctx context.Context, playlistURL string) (*Playlist, error) {
	current := playlistURL
	var chosen *variant.Variant

	for depth := 0; depth <= p.opts.MaxDepth; depth++ {
		body, err := p.fetcher.Get(ctx, current, p.opts.Timeout)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParse, "failed to fetch playlist", err).With("url", current)
		}

		doc, err := Parse(string(body), current)
		if err != nil {
			return nil, err
		}

		if !doc.IsMaster {
			p.logger.Debug("parsed media playlist",
				"url", current,
				"segments", len(doc.Segments),
				"depth", depth,
			)
			return &Playlist{
				URL:      current,
				Variant:  chosen,
				Segments: doc.Segments,
				Depth:    depth,
			}, nil
		}

		v := doc.Variants[0]
		chosen = &v
		p.logger.Info("following master playlist variant",
			"master", current,
			"variant", v.PlaylistURL,
			"bandwidth", v.Bandwidth,
			"resolution", v.Resolution,
			"available", len(doc.Variants),
		)
		current = v.PlaylistURL
	}

	return nil, apperr.New(apperr.KindParse, "max depth").
		With("url", playlistURL).
		With("max_depth", fmt.Sprint(p.opts.MaxDepth))
}

// Parse parses playlist text. baseURL is the playlist's own URL and is used
// to resolve relative variant and segment references.
func Parse(text, baseURL string) (*Document, error) {
	lines := splitLines(text)
	if len(lines) == 0 || !strings.HasPrefix(lines[0], headerTag) {
		return nil, apperr.New(apperr.KindParse, "missing #EXTM3U header").With("url", baseURL)
	}

	isMaster := false
	for _, line := range lines {
		if strings.HasPrefix(line, streamInfTag) {
			isMaster = true
			break
		}
	}

	if isMaster {
		return parseMaster(text, lines, baseURL)
	}
	return parseMedia(text, lines, baseURL)
}

func parseMaster(text string, lines []string, baseURL string) (*Document, error) {
	var variants []variant.Variant
	for i, line := range lines {
		if !strings.HasPrefix(line, streamInfTag) || i+1 >= len(lines) {
			continue
		}

		next := lines[i+1]
		if next == "" || strings.HasPrefix(next, commentPrefix) {
			continue
		}

		variantURL, err := resolveURL(baseURL, next)
		if err != nil {
			continue
		}
		variants = append(variants, variant.Variant{PlaylistURL: variantURL})
	}

	if len(variants) == 0 {
		return nil, apperr.New(apperr.KindParse, "no variant").With("url", baseURL)
	}

	attachVariantAttributes(text, baseURL, variants)

	return &Document{
		IsMaster: true,
		Variants: variants,
	}, nil
}

func parseMedia(text string, lines []string, baseURL string) (*Document, error) {
	var segments []segment.Segment
	for _, line := range lines {
		if line == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}

		segmentURL, err := resolveURL(baseURL, line)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParse, "failed to resolve segment URL", err).With("url", baseURL)
		}

		segments = append(segments, segment.Segment{
			URL:      segmentURL,
			Sequence: len(segments),
		})
	}

	if len(segments) == 0 {
		return nil, apperr.New(apperr.KindParse, "empty playlist").With("url", baseURL)
	}

	attachDurations(text, segments)

	return &Document{Segments: segments}, nil
}

// attachVariantAttributes copies BANDWIDTH, RESOLUTION and CODECS from the
// decoded master playlist onto the variants with a matching URI.
func attachVariantAttributes(text, baseURL string, variants []variant.Variant) {
	pl, ok := decode(text, m3u8.MASTER)
	if !ok {
		return
	}
	master, ok := pl.(*m3u8.MasterPlaylist)
	if !ok {
		return
	}

	byURL := make(map[string]*m3u8.Variant, len(master.Variants))
	for _, mv := range master.Variants {
		if mv == nil {
			continue
		}
		u, err := resolveURL(baseURL, mv.URI)
		if err != nil {
			continue
		}
		if _, seen := byURL[u]; !seen {
			byURL[u] = mv
		}
	}

	for i := range variants {
		mv, ok := byURL[variants[i].PlaylistURL]
		if !ok {
			continue
		}
		variants[i].Bandwidth = int(mv.Bandwidth)
		variants[i].Resolution = mv.Resolution
		variants[i].Codecs = mv.Codecs
	}
}

// attachDurations fills EXTINF durations when the decoded media playlist
// lines up one-to-one with the scanned segment lines.
func attachDurations(text string, segments []segment.Segment) {
	pl, ok := decode(text, m3u8.MEDIA)
	if !ok {
		return
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok {
		return
	}

	var decoded []*m3u8.MediaSegment
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		decoded = append(decoded, seg)
	}

	if len(decoded) != len(segments) {
		return
	}
	for i, seg := range decoded {
		segments[i].Duration = seg.Duration
	}
}

// decode runs the m3u8 decoder for optional attributes. The decoder panics
// on some inputs the line scan accepts, such as #EXT-X-KEY or #EXT-X-MAP
// before a URI with no #EXTINF; those report ok=false.
func decode(text string, want m3u8.ListType) (pl m3u8.Playlist, ok bool) {
	defer func() {
		if recover() != nil {
			pl, ok = nil, false
		}
	}()

	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil || listType != want {
		return nil, false
	}
	return pl, true
}

func splitLines(text string) []string {
	text = strings.TrimPrefix(text, "\ufeff")
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, strings.TrimSpace(line))
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	return lines
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
