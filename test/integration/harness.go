// Package integration provides integration testing utilities for vodgrab.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/agleyzer/vodgrab/internal/execx"
	"github.com/agleyzer/vodgrab/internal/fetch"
	"github.com/agleyzer/vodgrab/internal/pipeline"
	"github.com/agleyzer/vodgrab/internal/server"
)

// fakeFFmpeg copies its input to its output unless a fail-<strategy> marker
// exists in the tools directory. Every invocation appends the strategy name
// to calls.log.
const fakeFFmpeg = `#!/bin/sh
dir=%q
mode=basic
case "$*" in
  *"-c copy"*) mode=copy ;;
  *libx264*) mode=reencode ;;
esac
echo "$mode" >> "$dir/calls.log"
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
  out="$a"
done
echo "frame=1 fps=0.0 q=-1.0 size=0kB" >&2
if [ -f "$dir/fail-$mode" ]; then
  echo "[mpegts] Invalid data found when processing input" >&2
  exit 1
fi
cp "$in" "$out"
`

const fakeFFprobe = `#!/bin/sh
echo '{"streams":[{"index":0,"codec_type":"video","codec_name":"h264"}],"format":{"format_name":"mpegts","duration":"3.0"}}'
`

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t           *testing.T
	originSrv   *http.Server
	originPort  int
	originDir   string
	servicePort int
	outputDir   string
	toolsDir    string
	cancel      context.CancelFunc
	done        chan error
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("integration tests use /bin/sh tool stand-ins")
	}

	h := &TestHarness{
		t:           t,
		originPort:  findAvailablePort(t),
		servicePort: findAvailablePort(t),
		originDir:   t.TempDir(),
		outputDir:   t.TempDir(),
		toolsDir:    t.TempDir(),
	}

	h.writeTool("ffmpeg", fmt.Sprintf(fakeFFmpeg, h.toolsDir))
	h.writeTool("ffprobe", fakeFFprobe)
	return h
}

func (h *TestHarness) writeTool(name, script string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.toolsDir, name), []byte(script), 0o755); err != nil {
		h.t.Fatalf("failed to write fake %s: %v", name, err)
	}
}

// OriginURL returns the absolute URL of a path on the origin server.
func (h *TestHarness) OriginURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/%s", h.originPort, strings.TrimPrefix(path, "/"))
}

// StartOrigin starts an HTTP server serving files from the origin directory.
func (h *TestHarness) StartOrigin() {
	h.t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(h.originDir)))

	h.originSrv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", h.originPort),
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		if err := h.originSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("origin server error: %v", err)
		}
	}()

	h.waitForServer(h.OriginURL("/"), 5*time.Second)
	h.t.Logf("origin server started on port %d", h.originPort)
}

// AddFile writes a file under the origin directory.
func (h *TestHarness) AddFile(name string, content []byte) {
	h.t.Helper()

	p := filepath.Join(h.originDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		h.t.Fatalf("failed to create origin directory: %v", err)
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		h.t.Fatalf("failed to write origin file %s: %v", name, err)
	}
}

// AddMediaPlaylist publishes a media playlist with n segments of one second
// each. Segments listed in missing are referenced but not published.
func (h *TestHarness) AddMediaPlaylist(name string, n int, missing ...int) {
	h.t.Helper()

	skip := make(map[int]bool)
	for _, i := range missing {
		skip[i] = true
	}

	h.AddFile(name, []byte(createTestPlaylist(n, 1.0)))
	dir := filepath.Dir(filepath.FromSlash(name))
	for i := 0; i < n; i++ {
		if skip[i] {
			continue
		}
		h.AddFile(filepath.ToSlash(filepath.Join(dir, fmt.Sprintf("segment%03d.ts", i))), SegmentData(i))
	}
}

// FailStrategies makes the fake ffmpeg fail for the named strategies.
func (h *TestHarness) FailStrategies(names ...string) {
	h.t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(h.toolsDir, "fail-"+n), nil, 0o644); err != nil {
			h.t.Fatal(err)
		}
	}
}

// ConverterCalls returns the strategies the fake ffmpeg was invoked with.
func (h *TestHarness) ConverterCalls() []string {
	data, err := os.ReadFile(filepath.Join(h.toolsDir, "calls.log"))
	if err != nil {
		return nil
	}
	return strings.Fields(string(data))
}

// StartService starts the capture service in-process.
func (h *TestHarness) StartService() {
	h.t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var toolLog bytes.Buffer
	orchestrator, err := pipeline.New(pipeline.Config{
		OutputDir:      h.outputDir,
		FFmpegPath:     filepath.Join(h.toolsDir, "ffmpeg"),
		FFprobePath:    filepath.Join(h.toolsDir, "ffprobe"),
		SegmentTimeout: 5 * time.Second,
		ProbeTimeout:   2 * time.Second,
	}, fetch.New(fetch.DefaultUserAgent), execx.New(execx.NewToolLogger(&toolLog, hclog.Warn)), logger)
	if err != nil {
		h.t.Fatalf("failed to create pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)

	srv := server.New(orchestrator, h.servicePort, "test", logger)
	go func() {
		h.done <- srv.Start(ctx)
	}()

	h.waitForServer(fmt.Sprintf("http://127.0.0.1:%d/health", h.servicePort), 5*time.Second)
	h.t.Logf("vodgrab started on port %d", h.servicePort)
}

// Submit posts a capture request and decodes the JSON response.
func (h *TestHarness) Submit(sourceURL, filename string) (int, map[string]any) {
	h.t.Helper()

	body, _ := json.Marshal(map[string]string{"url": sourceURL, "filename": filename})
	url := fmt.Sprintf("http://127.0.0.1:%d/api/download", h.servicePort)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("failed to submit capture: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		h.t.Fatalf("failed to decode response: %v", err)
	}
	return resp.StatusCode, out
}

// FetchArtifact retrieves a finished capture.
func (h *TestHarness) FetchArtifact(filename string) (int, []byte) {
	h.t.Helper()

	url := fmt.Sprintf("http://127.0.0.1:%d/downloads/%s", h.servicePort, filename)
	resp, err := http.Get(url)
	if err != nil {
		h.t.Fatalf("failed to fetch artifact: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read artifact body: %v", err)
	}
	return resp.StatusCode, body
}

// OutputFiles lists the output directory.
func (h *TestHarness) OutputFiles() []string {
	h.t.Helper()

	entries, err := os.ReadDir(h.outputDir)
	if err != nil {
		h.t.Fatalf("failed to list output directory: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	// Stop the service
	if h.cancel != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			h.t.Log("service did not stop within timeout")
		}
	}

	// Stop origin server
	if h.originSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.originSrv.Shutdown(ctx)
	}
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// createTestPlaylist builds a VOD media playlist with relative segment names.
func createTestPlaylist(segments int, duration float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(duration+0.999))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := 0; i < segments; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nsegment%03d.ts\n", duration, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// SegmentData returns deterministic transport stream bytes for segment i.
func SegmentData(i int) []byte {
	var b bytes.Buffer
	for p := 0; p < 4; p++ {
		pkt := bytes.Repeat([]byte{byte(i*4 + p)}, 188)
		pkt[0] = 0x47
		b.Write(pkt)
	}
	return b.Bytes()
}

// Concat returns the expected raw stream for the given segment indexes.
func Concat(indexes ...int) []byte {
	var b bytes.Buffer
	for _, i := range indexes {
		b.Write(SegmentData(i))
	}
	return b.Bytes()
}
