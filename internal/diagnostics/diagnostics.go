// Package diagnostics inspects raw transport stream files. Its findings are
// advisory: nothing here can fail a capture.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/agleyzer/vodgrab/internal/execx"
	"github.com/agleyzer/vodgrab/internal/metrics"
)

const (
	// PacketSize is the MPEG-TS packet size.
	PacketSize = 188

	// SyncByte starts every MPEG-TS packet.
	SyncByte = 0x47

	// DefaultPrefixBytes is how much of the file is inspected.
	DefaultPrefixBytes = PacketSize * 1000

	// DefaultProbeTimeout bounds the ffprobe call.
	DefaultProbeTimeout = 30 * time.Second

	// DefaultFFprobePath is looked up in PATH.
	DefaultFFprobePath = "ffprobe"
)

// PacketReport summarizes sync byte alignment in a stream prefix.
type PacketReport struct {
	Bytes   int     `json:"bytes"`
	Packets int     `json:"packets"`
	Valid   int     `json:"valid"`
	Ratio   float64 `json:"ratio"`
}

// Healthy reports whether at least 95% of inspected packets are aligned.
func (r PacketReport) Healthy() bool {
	return r.Packets > 0 && r.Ratio >= 0.95
}

// StreamInfo is one stream reported by ffprobe.
type StreamInfo struct {
	Index     int    `json:"index"`
	CodecType string `json:"codecType"`
	CodecName string `json:"codecName"`
}

// ProbeReport is the subset of ffprobe output that is logged.
type ProbeReport struct {
	Streams  []StreamInfo `json:"streams"`
	Format   string       `json:"format"`
	Duration float64      `json:"duration"`
}

// Report collects everything learned about a file. Fields are nil or empty
// when the corresponding check could not run.
type Report struct {
	Packets    *PacketReport `json:"packets,omitempty"`
	Probe      *ProbeReport  `json:"probe,omitempty"`
	PacketErr  string        `json:"packetError,omitempty"`
	ProbeError string        `json:"probeError,omitempty"`
}

// Options configures an Inspector.
type Options struct {
	FFprobePath  string
	PrefixBytes  int
	ProbeTimeout time.Duration

	// DisableProbe skips the ffprobe call.
	DisableProbe bool
}

// Inspector runs the diagnostics.
type Inspector struct {
	runner execx.Runner
	opts   Options
	logger *slog.Logger
}

// New creates an Inspector.
func New(runner execx.Runner, opts Options, logger *slog.Logger) *Inspector {
	if opts.FFprobePath == "" {
		opts.FFprobePath = DefaultFFprobePath
	}
	if opts.PrefixBytes <= 0 {
		opts.PrefixBytes = DefaultPrefixBytes
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Inspector{
		runner: runner,
		opts:   opts,
		logger: logger,
	}
}

// Run inspects path and logs the findings. It never fails.
func (in *Inspector) Run(ctx context.Context, path string) *Report {
	report := &Report{}

	packets, err := in.inspectFile(path)
	if err != nil {
		report.PacketErr = err.Error()
		in.logger.Warn("stream packet inspection failed", "path", path, "error", err)
	} else {
		report.Packets = &packets
		metrics.DiagnosticsSyncRatio.Observe(packets.Ratio)
		level := slog.LevelInfo
		if !packets.Healthy() {
			level = slog.LevelWarn
		}
		in.logger.Log(ctx, level, "stream packet inspection",
			"path", path,
			"packets", packets.Packets,
			"valid", packets.Valid,
			"ratio", fmt.Sprintf("%.3f", packets.Ratio),
		)
	}

	if in.opts.DisableProbe || in.runner == nil {
		return report
	}

	probe, err := in.Probe(ctx, path)
	if err != nil {
		report.ProbeError = err.Error()
		in.logger.Warn("stream probe failed", "path", path, "error", err)
		return report
	}
	report.Probe = probe

	codecs := make([]string, 0, len(probe.Streams))
	for _, s := range probe.Streams {
		codecs = append(codecs, s.CodecType+":"+s.CodecName)
	}
	in.logger.Info("stream probe",
		"path", path,
		"streams", len(probe.Streams),
		"codecs", codecs,
		"format", probe.Format,
		"duration", probe.Duration,
	)
	return report
}

func (in *Inspector) inspectFile(path string) (PacketReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return PacketReport{}, err
	}
	defer f.Close()

	return InspectPackets(f, in.opts.PrefixBytes)
}

// InspectPackets reads up to limit bytes from r and checks for the sync
// byte at every packet boundary. A trailing partial packet is ignored.
func InspectPackets(r io.Reader, limit int) (PacketReport, error) {
	buf := make([]byte, limit)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return PacketReport{}, err
	}
	buf = buf[:n]

	report := PacketReport{Bytes: n}
	for off := 0; off+PacketSize <= n; off += PacketSize {
		report.Packets++
		if buf[off] == SyncByte {
			report.Valid++
		}
	}
	if report.Packets > 0 {
		report.Ratio = float64(report.Valid) / float64(report.Packets)
	}
	return report, nil
}

// ffprobeOutput mirrors `ffprobe -print_format json -show_format -show_streams`.
type ffprobeOutput struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe on path.
func (in *Inspector) Probe(ctx context.Context, path string) (*ProbeReport, error) {
	res, err := in.runner.Run(ctx, execx.Command{
		Path: in.opts.FFprobePath,
		Args: []string{
			"-v", "error",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
		Timeout: in.opts.ProbeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("ffprobe exit code %d (timed out: %v): %s", res.ExitCode, res.TimedOut, res.Stderr)
	}

	var out ffprobeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	report := &ProbeReport{Format: out.Format.FormatName}
	report.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	for _, s := range out.Streams {
		report.Streams = append(report.Streams, StreamInfo{
			Index:     s.Index,
			CodecType: s.CodecType,
			CodecName: s.CodecName,
		})
	}
	return report, nil
}
