package parser

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/agleyzer/vodgrab/internal/apperr"
	"github.com/agleyzer/vodgrab/internal/fetch"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestParser() *Parser {
	return New(fetch.New(""), Options{}, createTestLogger())
}

func TestParse_MediaPlaylist(t *testing.T) {
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
	doc, err := Parse(playlist, "http://example.com/path/index.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if doc.IsMaster {
		t.Fatal("Expected media playlist")
	}
	if len(doc.Segments) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(doc.Segments))
	}

	want := []string{
		"http://example.com/path/segment001.ts",
		"http://example.com/path/segment002.ts",
		"http://example.com/path/segment003.ts",
	}
	for i, seg := range doc.Segments {
		if seg.URL != want[i] {
			t.Errorf("segment %d URL = %s, want %s", i, seg.URL, want[i])
		}
		if seg.Sequence != i {
			t.Errorf("segment %d sequence = %d", i, seg.Sequence)
		}
	}

	if doc.Segments[0].Duration != 9.9 {
		t.Errorf("Expected first segment duration 9.9, got %f", doc.Segments[0].Duration)
	}
}

func TestParse_SegmentsWithoutExtinf(t *testing.T) {
	// Every non-comment line is a segment, even without EXTINF and even when repeated.
	playlist := "#EXTM3U\r\na.ts\r\n\r\n# comment\r\nb.ts\r\na.ts\r\nhttps://cdn.example.com/c.ts\r\n"

	doc, err := Parse(playlist, "http://example.com/v/index.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []string{
		"http://example.com/v/a.ts",
		"http://example.com/v/b.ts",
		"http://example.com/v/a.ts",
		"https://cdn.example.com/c.ts",
	}
	if len(doc.Segments) != len(want) {
		t.Fatalf("Expected %d segments, got %d", len(want), len(doc.Segments))
	}
	for i, seg := range doc.Segments {
		if seg.URL != want[i] {
			t.Errorf("segment %d URL = %s, want %s", i, seg.URL, want[i])
		}
		if seg.Duration != 0 {
			t.Errorf("segment %d duration = %f, want 0 when EXTINF is missing", i, seg.Duration)
		}
	}
}

func TestParse_KeyWithoutExtinf(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-KEY:METHOD=NONE\nseg0.ts\nseg1.ts\n"

	doc, err := Parse(playlist, "http://example.com/v/index.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(doc.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(doc.Segments))
	}
	if doc.Segments[1].URL != "http://example.com/v/seg1.ts" {
		t.Errorf("segment 1 URL = %s", doc.Segments[1].URL)
	}
}

func TestParse_MediaTagsMixedWithSegments(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantSegments int
		wantDuration float64
	}{
		{
			name:         "key before extinf",
			body:         "#EXT-X-KEY:METHOD=NONE\n#EXTINF:4.0,\na.ts\n#EXTINF:4.0,\nb.ts\n",
			wantSegments: 2,
			wantDuration: 8,
		},
		{
			name:         "extinf before key",
			body:         "#EXTINF:4.0,\n#EXT-X-KEY:METHOD=NONE\na.ts\n#EXTINF:2.0,\nb.ts\n",
			wantSegments: 2,
			wantDuration: 6,
		},
		{
			name:         "discontinuity between segments",
			body:         "#EXTINF:4.0,\na.ts\n#EXT-X-DISCONTINUITY\n#EXTINF:4.0,\nb.ts\n#EXTINF:4.0,\nc.ts\n",
			wantSegments: 3,
			wantDuration: 12,
		},
		{
			name:         "discontinuity without extinf",
			body:         "a.ts\n#EXT-X-DISCONTINUITY\nb.ts\n",
			wantSegments: 2,
		},
		{
			name:         "map without extinf",
			body:         "#EXT-X-MAP:URI=\"init.mp4\"\na.ts\nb.ts\n",
			wantSegments: 2,
		},
		{
			name:         "key between bare segments",
			body:         "a.ts\n#EXT-X-KEY:METHOD=NONE\nb.ts\nc.ts\n",
			wantSegments: 3,
		},
		{
			name:         "map then key without extinf",
			body:         "#EXT-X-MAP:URI=\"init.mp4\"\n#EXT-X-KEY:METHOD=NONE\na.ts\n",
			wantSegments: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse("#EXTM3U\n#EXT-X-VERSION:6\n"+tt.body, "http://example.com/v/index.m3u8")
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if len(doc.Segments) != tt.wantSegments {
				t.Fatalf("Expected %d segments, got %d", tt.wantSegments, len(doc.Segments))
			}
			for i, seg := range doc.Segments {
				if seg.Sequence != i {
					t.Errorf("segment %d sequence = %d", i, seg.Sequence)
				}
			}
			var total float64
			for _, seg := range doc.Segments {
				total += seg.Duration
			}
			if total != tt.wantDuration {
				t.Errorf("total duration = %f, want %f", total, tt.wantDuration)
			}
		})
	}
}

func TestParse_EmptyPlaylist(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-ENDLIST
`
	_, err := Parse(playlist, "http://example.com/index.m3u8")
	if !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("Expected parse error, got %v", err)
	}
}

func TestParse_MissingHeader(t *testing.T) {
	_, err := Parse("not a valid m3u8 file", "http://example.com/index.m3u8")
	if !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("Expected parse error, got %v", err)
	}
}

func TestParse_MasterPlaylist(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720
high/index.m3u8
`
	doc, err := Parse(playlist, "http://example.com/master.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !doc.IsMaster {
		t.Fatal("Expected master playlist")
	}
	if len(doc.Variants) != 2 {
		t.Fatalf("Expected 2 variants, got %d", len(doc.Variants))
	}

	first := doc.Variants[0]
	if first.PlaylistURL != "http://example.com/low/index.m3u8" {
		t.Errorf("first variant URL = %s", first.PlaylistURL)
	}
	if first.Bandwidth != 1280000 {
		t.Errorf("first variant bandwidth = %d", first.Bandwidth)
	}
	if first.Resolution != "640x360" {
		t.Errorf("first variant resolution = %s", first.Resolution)
	}
}

func TestParse_MasterWithoutVariant(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000
#EXT-X-STREAM-INF:BANDWIDTH=2560000
`
	_, err := Parse(playlist, "http://example.com/master.m3u8")
	if !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("Expected parse error, got %v", err)
	}
}

func TestParse_MasterSkipsTagAfterStreamInf(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1
#EXT-X-MEDIA:TYPE=AUDIO
#EXT-X-STREAM-INF:BANDWIDTH=2
second.m3u8
`
	doc, err := Parse(playlist, "http://example.com/master.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if doc.Variants[0].PlaylistURL != "http://example.com/second.m3u8" {
		t.Errorf("chosen variant = %s", doc.Variants[0].PlaylistURL)
	}
}

func TestLoad_FollowsMasterPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=5000000\nhigh/index.m3u8\n"))
	})
	mux.HandleFunc("/low/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg0.ts\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST\n"))
	})
	mux.HandleFunc("/high/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		t.Error("high variant should not be fetched")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	pl, err := newTestParser().Load(context.Background(), server.URL+"/master.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if pl.URL != server.URL+"/low/index.m3u8" {
		t.Errorf("media URL = %s", pl.URL)
	}
	if pl.Depth != 1 {
		t.Errorf("depth = %d, want 1", pl.Depth)
	}
	if pl.Variant == nil || pl.Variant.Bandwidth != 800000 {
		t.Errorf("chosen variant = %+v", pl.Variant)
	}
	if len(pl.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(pl.Segments))
	}
	if pl.Segments[1].URL != server.URL+"/low/seg1.ts" {
		t.Errorf("segment URL = %s", pl.Segments[1].URL)
	}
	if pl.TotalDuration() != 8.0 {
		t.Errorf("total duration = %f, want 8", pl.TotalDuration())
	}
}

func TestLoad_MasterLoopStopsAtMaxDepth(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nloop.m3u8\n"))
	}))
	defer server.Close()

	p := New(fetch.New(""), Options{MaxDepth: 3}, createTestLogger())
	_, err := p.Load(context.Background(), server.URL+"/loop.m3u8")
	if !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("Expected parse error, got %v", err)
	}
	if got := fetches.Load(); got != 4 {
		t.Errorf("fetches = %d, want 4", got)
	}
}

func TestLoad_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestParser().Load(context.Background(), server.URL)
	if !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("Expected parse error for HTTP 404, got %v", err)
	}
}

func TestLoad_InvalidURL(t *testing.T) {
	_, err := newTestParser().Load(context.Background(), "not-a-valid-url")
	if err == nil {
		t.Fatal("Expected error for invalid URL, got nil")
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
			name:        "relative path with subdirectory",
			baseURL:     "http://example.com/playlist.m3u8",
			relativeURL: "segments/segment.ts",
			expected:    "http://example.com/segments/segment.ts",
		},
		{
			name:        "root relative path",
			baseURL:     "http://example.com/path/playlist.m3u8",
			relativeURL: "/segments/segment.ts",
			expected:    "http://example.com/segments/segment.ts",
		},
		{
			name:        "query string preserved",
			baseURL:     "http://example.com/path/playlist.m3u8?token=abc",
			relativeURL: "segment.ts?part=1",
			expected:    "http://example.com/path/segment.ts?part=1",
		},
		{
			name:        "invalid relative URL",
			baseURL:     "http://example.com/playlist.m3u8",
			relativeURL: "http://[::1",
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
