// Package resolver turns a source URL into a concrete HLS media playlist URL.
//
// Direct playlist URLs are returned unchanged. Platform page URLs have a
// video identifier extracted from their path; candidate playlist endpoints
// built from that identifier are probed in order, and the page body is
// scraped for playlist URLs when no candidate answers.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/agleyzer/vodgrab/internal/apperr"
	"github.com/agleyzer/vodgrab/internal/fetch"
	"github.com/agleyzer/vodgrab/internal/metrics"
)

const (
	// DefaultProbeTimeout bounds each candidate HEAD probe.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultPageTimeout bounds the page body fetch used for scraping.
	DefaultPageTimeout = 15 * time.Second

	playlistMarker = ".m3u8"
)

// DefaultTemplates are the candidate playlist endpoints tried for an
// extracted video id. Placeholders: {scheme}, {host}, {id}.
var DefaultTemplates = []string{
	"{scheme}://{host}/videos/{id}/master.m3u8",
	"{scheme}://{host}/videos/{id}/playlist.m3u8",
	"{scheme}://{host}/hls/{id}/index.m3u8",
	"{scheme}://{host}/v/{id}/playlist.m3u8",
}

var (
	videosPathRe = regexp.MustCompile(`videos/([A-Za-z0-9_-]+)`)
	vPathRe      = regexp.MustCompile(`/v/([A-Za-z0-9_-]+)`)
	numericRe    = regexp.MustCompile(`^[0-9]+$`)

	// playlistURLRe matches absolute playlist URLs embedded in page markup or JSON.
	playlistURLRe = regexp.MustCompile(`https?://[^\s"'<>\\]+?\.m3u8(?:\?[^\s"'<>\\]*)?`)
)

// Stream is a resolved media playlist location.
type Stream struct {
	// PlaylistURL is the playlist to fetch
	PlaylistURL string

	// BaseURL is the directory URL relative references resolve against
	BaseURL string

	// VideoID is the identifier extracted from a page URL, empty for direct playlists
	VideoID string

	// Method records how the playlist was found: direct, candidate or scrape
	Method string
}

// Options configures a Resolver.
type Options struct {
	// Templates overrides DefaultTemplates.
	Templates []string

	// DefaultHost is used to expand templates when the source is a bare
	// numeric id with no host of its own.
	DefaultHost string

	ProbeTimeout time.Duration
	PageTimeout  time.Duration
}

// Resolver resolves source URLs to playlist URLs.
type Resolver struct {
	fetcher fetch.Fetcher
	opts    Options
	logger  *slog.Logger
}

// New creates a Resolver.
func New(fetcher fetch.Fetcher, opts Options, logger *slog.Logger) *Resolver {
	if len(opts.Templates) == 0 {
		opts.Templates = DefaultTemplates
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = DefaultPageTimeout
	}
	return &Resolver{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
	}
}

// IsPlaylistURL reports whether s already points at a playlist file.
func IsPlaylistURL(s string) bool {
	return strings.Contains(strings.ToLower(s), playlistMarker)
}

// ExtractID returns the video identifier from a page URL or bare numeric id.
func ExtractID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if m := videosPathRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if m := vPathRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if numericRe.MatchString(s) {
		return s, true
	}
	return "", false
}

// Resolve returns the media playlist location for rawURL.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Stream, error) {
	rawURL = strings.TrimSpace(rawURL)

	if IsPlaylistURL(rawURL) {
		return &Stream{
			PlaylistURL: rawURL,
			BaseURL:     baseOf(rawURL),
			Method:      "direct",
		}, nil
	}

	id, ok := ExtractID(rawURL)
	if !ok {
		return nil, apperr.New(apperr.KindResolution, "no id").With("url", rawURL)
	}

	scheme, host := r.origin(rawURL)
	if host != "" {
		for _, candidate := range r.candidates(scheme, host, id) {
			if r.probe(ctx, candidate) {
				r.logger.Info("resolved playlist from candidate", "id", id, "playlist", candidate)
				return newStream(candidate, id, "candidate"), nil
			}
		}
	}

	if pageURL, ok := pageURLOf(rawURL); ok {
		for _, found := range r.scrape(ctx, pageURL) {
			if r.probe(ctx, found) {
				r.logger.Info("resolved playlist from page content", "id", id, "playlist", found)
				return newStream(found, id, "scrape"), nil
			}
		}
	}

	return nil, apperr.New(apperr.KindResolution, "unresolvable").
		With("url", rawURL).
		With("video_id", id)
}

// candidates expands the configured templates for one id.
func (r *Resolver) candidates(scheme, host, id string) []string {
	replacer := strings.NewReplacer(
		"{scheme}", scheme,
		"{host}", host,
		"{id}", url.PathEscape(id),
	)

	out := make([]string, 0, len(r.opts.Templates))
	for _, tmpl := range r.opts.Templates {
		out = append(out, replacer.Replace(tmpl))
	}
	return out
}

func (r *Resolver) origin(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err == nil && u.Host != "" {
		scheme := u.Scheme
		if scheme == "" {
			scheme = "https"
		}
		return scheme, u.Host
	}
	return "https", r.opts.DefaultHost
}

func (r *Resolver) probe(ctx context.Context, candidate string) bool {
	status, err := r.fetcher.Probe(ctx, candidate, r.opts.ProbeTimeout)
	if err != nil {
		metrics.ResolverProbesTotal.WithLabelValues("error").Inc()
		r.logger.Debug("candidate probe failed", "url", candidate, "error", err)
		return false
	}
	if status != http.StatusOK {
		metrics.ResolverProbesTotal.WithLabelValues("miss").Inc()
		r.logger.Debug("candidate probe rejected", "url", candidate, "status", status)
		return false
	}
	metrics.ResolverProbesTotal.WithLabelValues("hit").Inc()
	return true
}

// scrape fetches the page and returns playlist-shaped URLs in order of appearance.
func (r *Resolver) scrape(ctx context.Context, pageURL string) []string {
	body, err := r.fetcher.Get(ctx, pageURL, r.opts.PageTimeout)
	if err != nil {
		r.logger.Warn("page fetch failed", "url", pageURL, "error", err)
		return nil
	}
	return FindPlaylistURLs(string(body))
}

// FindPlaylistURLs scans page text for absolute playlist URLs. JSON-escaped
// slashes and HTML-escaped ampersands are normalized first. Duplicates are
// dropped, first occurrence wins.
func FindPlaylistURLs(text string) []string {
	text = strings.NewReplacer(`\/`, `/`, `\u002F`, `/`, `\u002f`, `/`, `&amp;`, `&`).Replace(text)

	seen := make(map[string]bool)
	var out []string
	for _, m := range playlistURLRe.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func newStream(playlistURL, id, method string) *Stream {
	return &Stream{
		PlaylistURL: playlistURL,
		BaseURL:     baseOf(playlistURL),
		VideoID:     id,
		Method:      method,
	}
}

// pageURLOf returns rawURL when it is an absolute http(s) URL worth fetching.
func pageURLOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return rawURL, true
}

// baseOf returns the directory portion of a playlist URL, with trailing slash.
func baseOf(playlistURL string) string {
	u, err := url.Parse(playlistURL)
	if err != nil {
		return playlistURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	dir := path.Dir(u.Path)
	if u.Path == "" {
		dir = "/"
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	u.Path = dir
	return u.String()
}

func (s *Stream) String() string {
	return fmt.Sprintf("%s (%s)", s.PlaylistURL, s.Method)
}
