package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/agleyzer/vodgrab/internal/execx"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// tsPackets builds n packets; packets whose index is in bad get a wrong sync byte.
func tsPackets(n int, bad map[int]bool) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		pkt := make([]byte, PacketSize)
		pkt[0] = SyncByte
		if bad[i] {
			pkt[0] = 0x00
		}
		buf.Write(pkt)
	}
	return buf.Bytes()
}

type stubRunner struct {
	res *execx.Result
	err error
}

func (s *stubRunner) Run(ctx context.Context, cmd execx.Command) (*execx.Result, error) {
	return s.res, s.err
}

func TestInspectPackets(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		limit       int
		wantPackets int
		wantValid   int
		wantHealthy bool
	}{
		{
			name:        "all aligned",
			data:        tsPackets(10, nil),
			limit:       DefaultPrefixBytes,
			wantPackets: 10,
			wantValid:   10,
			wantHealthy: true,
		},
		{
			name:        "some misaligned",
			data:        tsPackets(4, map[int]bool{1: true, 3: true}),
			limit:       DefaultPrefixBytes,
			wantPackets: 4,
			wantValid:   2,
		},
		{
			name:        "limit caps inspection",
			data:        tsPackets(10, map[int]bool{9: true}),
			limit:       PacketSize * 5,
			wantPackets: 5,
			wantValid:   5,
			wantHealthy: true,
		},
		{
			name:        "trailing partial packet ignored",
			data:        append(tsPackets(2, nil), 0x47, 0x00),
			limit:       DefaultPrefixBytes,
			wantPackets: 2,
			wantValid:   2,
			wantHealthy: true,
		},
		{
			name:  "empty",
			data:  nil,
			limit: DefaultPrefixBytes,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := InspectPackets(bytes.NewReader(tt.data), tt.limit)
			if err != nil {
				t.Fatalf("InspectPackets() error = %v", err)
			}
			if rep.Packets != tt.wantPackets || rep.Valid != tt.wantValid {
				t.Errorf("got %d/%d, want %d/%d", rep.Valid, rep.Packets, tt.wantValid, tt.wantPackets)
			}
			if rep.Healthy() != tt.wantHealthy {
				t.Errorf("Healthy() = %v, want %v", rep.Healthy(), tt.wantHealthy)
			}
		})
	}
}

func TestRun_WithProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ts")
	if err := os.WriteFile(path, tsPackets(20, nil), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &stubRunner{res: &execx.Result{Stdout: `{
		"streams": [
			{"index": 0, "codec_type": "video", "codec_name": "h264"},
			{"index": 1, "codec_type": "audio", "codec_name": "aac"}
		],
		"format": {"format_name": "mpegts", "duration": "12.480000"}
	}`}}

	rep := New(runner, Options{}, createTestLogger()).Run(context.Background(), path)

	if rep.Packets == nil || rep.Packets.Ratio != 1 {
		t.Errorf("packets = %+v", rep.Packets)
	}
	if rep.Probe == nil {
		t.Fatalf("probe missing, error %q", rep.ProbeError)
	}
	if len(rep.Probe.Streams) != 2 || rep.Probe.Streams[0].CodecName != "h264" {
		t.Errorf("streams = %+v", rep.Probe.Streams)
	}
	if rep.Probe.Duration != 12.48 || rep.Probe.Format != "mpegts" {
		t.Errorf("probe = %+v", rep.Probe)
	}
}

func TestRun_FailuresAreSwallowed(t *testing.T) {
	tests := []struct {
		name   string
		runner execx.Runner
		path   string
	}{
		{
			name:   "missing file and unstartable probe",
			runner: &stubRunner{err: &execx.StartError{Path: "ffprobe", Err: errors.New("not found")}},
			path:   filepath.Join(t.TempDir(), "missing.ts"),
		},
		{
			name:   "probe exits non-zero",
			runner: &stubRunner{res: &execx.Result{ExitCode: 1, Stderr: "Invalid data"}},
			path:   filepath.Join(t.TempDir(), "missing.ts"),
		},
		{
			name:   "probe returns garbage",
			runner: &stubRunner{res: &execx.Result{Stdout: "not json"}},
			path:   filepath.Join(t.TempDir(), "missing.ts"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := New(tt.runner, Options{}, createTestLogger()).Run(context.Background(), tt.path)
			if rep == nil {
				t.Fatal("Run() returned nil report")
			}
			if rep.PacketErr == "" {
				t.Error("expected packet inspection error for missing file")
			}
			if rep.ProbeError == "" {
				t.Error("expected probe error")
			}
		})
	}
}

func TestRun_ProbeDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ts")
	if err := os.WriteFile(path, tsPackets(1, nil), 0o644); err != nil {
		t.Fatal(err)
	}

	rep := New(nil, Options{DisableProbe: true}, createTestLogger()).Run(context.Background(), path)
	if rep.Probe != nil || rep.ProbeError != "" {
		t.Errorf("probe should not run: %+v", rep)
	}
}
