// Package pipeline runs one capture end to end: resolve the source, read the
// playlist, download segments into a raw stream file, inspect it and convert
// it to MP4, keeping the raw stream when conversion is not possible.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/agleyzer/vodgrab/internal/apperr"
	"github.com/agleyzer/vodgrab/internal/converter"
	"github.com/agleyzer/vodgrab/internal/diagnostics"
	"github.com/agleyzer/vodgrab/internal/downloader"
	"github.com/agleyzer/vodgrab/internal/execx"
	"github.com/agleyzer/vodgrab/internal/fetch"
	"github.com/agleyzer/vodgrab/internal/metrics"
	"github.com/agleyzer/vodgrab/internal/parser"
	"github.com/agleyzer/vodgrab/internal/resolver"
	"github.com/agleyzer/vodgrab/internal/segment"
)

// Artifact container formats.
const (
	FormatMP4 = "MP4"
	FormatTS  = "TS"
)

// SourceReference is a capture request.
type SourceReference struct {
	// URL is a page URL, a playlist URL or a bare numeric video id.
	URL string
	// BaseName optionally names the artifact. Any extension is dropped.
	BaseName string
}

// Result describes the artifact produced by a run.
type Result struct {
	JobID              string              `json:"jobId"`
	Filename           string              `json:"filename"`
	Path               string              `json:"-"`
	Size               int64               `json:"size"`
	SizeHuman          string              `json:"sizeHuman"`
	Format             string              `json:"format"`
	Converted          bool                `json:"converted"`
	Strategy           string              `json:"strategy,omitempty"`
	SegmentsDownloaded int                 `json:"segmentsDownloaded"`
	TotalSegments      int                 `json:"totalSegments"`
	Duration           float64             `json:"duration"`
	SourcePlaylist     string              `json:"sourcePlaylist"`
	ResolvedBy         string              `json:"resolvedBy"`
	VideoID            string              `json:"videoId,omitempty"`
	Message            string              `json:"message"`
	PlaybackGuidance   string              `json:"playbackGuidance"`
	FallbackReason     string              `json:"fallbackReason,omitempty"`
	ManualConversion   string              `json:"manualConversion,omitempty"`
	Attempts           []converter.Attempt `json:"attempts,omitempty"`
	Diagnostics        *diagnostics.Report `json:"diagnostics,omitempty"`
}

// Orchestrator runs captures. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	cfg     Config
	fetcher fetch.Fetcher
	runner  execx.Runner
	logger  *slog.Logger
	now     func() time.Time
}

// New validates cfg and prepares the output directory.
func New(cfg Config, fetcher fetch.Fetcher, runner execx.Runner, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Orchestrator{
		cfg:     cfg,
		fetcher: fetcher,
		runner:  runner,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// OutputDir returns the artifact directory.
func (o *Orchestrator) OutputDir() string {
	return o.cfg.OutputDir
}

// stages are built per run so that every stage logs with the run's job id.
type stages struct {
	resolver    *resolver.Resolver
	parser      *parser.Parser
	downloader  *downloader.Downloader
	diagnostics *diagnostics.Inspector
	converter   *converter.Converter
}

func (o *Orchestrator) stages(logger *slog.Logger) *stages {
	var progress func(done, total int)
	if every := o.cfg.ProgressEvery; every > 0 {
		progress = func(done, total int) {
			if done%every == 0 || done == total {
				logger.Info("download progress", "done", done, "total", total)
			}
		}
	}

	return &stages{
		resolver: resolver.New(o.fetcher, resolver.Options{
			Templates:    o.cfg.Templates,
			DefaultHost:  o.cfg.DefaultHost,
			ProbeTimeout: o.cfg.ProbeTimeout,
			PageTimeout:  o.cfg.PageTimeout,
		}, logger.With("stage", "resolve")),
		parser: parser.New(o.fetcher, parser.Options{
			MaxDepth: o.cfg.MaxPlaylistDepth,
			Timeout:  o.cfg.PlaylistTimeout,
		}, logger.With("stage", "parse")),
		downloader: downloader.New(o.fetcher, downloader.Options{
			SegmentTimeout: o.cfg.SegmentTimeout,
			Progress:       progress,
		}, logger.With("stage", "download")),
		diagnostics: diagnostics.New(o.runner, diagnostics.Options{
			FFprobePath:  o.cfg.FFprobePath,
			PrefixBytes:  o.cfg.DiagnosticPrefixBytes,
			ProbeTimeout: o.cfg.DiagnosticTimeout,
			DisableProbe: o.cfg.DisableProbe,
		}, logger.With("stage", "diagnostics")),
		converter: converter.New(o.runner, converter.Options{
			FFmpegPath: o.cfg.FFmpegPath,
			Timeout:    o.cfg.ConversionTimeout,
		}, logger.With("stage", "convert")),
	}
}

// Run captures src. A non-nil error is always a *Failure, and no files
// created by the run are left behind when it is returned.
func (o *Orchestrator) Run(ctx context.Context, src SourceReference) (*Result, error) {
	start := o.now()
	jobID := uuid.NewString()
	logger := o.logger.With("job", jobID)

	logger.Info("capture started", "url", src.URL, "name", src.BaseName)

	result, err := o.run(ctx, logger, src)
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		f := newFailure(err)
		metrics.PipelineRunsTotal.WithLabelValues(string(f.Kind)).Inc()
		logger.Error("capture failed",
			"kind", f.Kind,
			"error", err,
			"duration", time.Since(start),
		)
		return nil, f
	}

	result.JobID = jobID
	metrics.PipelineRunsTotal.WithLabelValues(strings.ToLower(result.Format)).Inc()
	logger.Info("capture finished",
		"file", result.Filename,
		"format", result.Format,
		"size", result.SizeHuman,
		"segments", fmt.Sprintf("%d/%d", result.SegmentsDownloaded, result.TotalSegments),
		"duration", time.Since(start),
	)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, src SourceReference) (*Result, error) {
	source := strings.TrimSpace(src.URL)
	if source == "" {
		return nil, apperr.New(apperr.KindResolution, "source url is empty")
	}

	st := o.stages(logger)
	base := baseName(src.BaseName, source, o.now())
	tsPath := filepath.Join(o.cfg.OutputDir, base+".ts")
	mp4Path := filepath.Join(o.cfg.OutputDir, base+".mp4")

	stream, err := st.resolver.Resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	logger.Info("resolved playlist",
		"stream", stream.String(),
		"base", stream.BaseURL,
		"videoId", stream.VideoID,
	)

	pl, err := st.parser.Load(ctx, stream.PlaylistURL)
	if err != nil {
		return nil, err
	}

	dl, err := st.downloader.Download(ctx, pl.Segments, tsPath)
	if err != nil {
		o.removeFiles(logger, tsPath)
		return nil, err
	}
	if dl.Partial() {
		logger.Warn("some segments could not be downloaded",
			"succeeded", dl.Succeeded,
			"total", dl.Total,
			"failed", dl.Failed,
		)
	}

	report := st.diagnostics.Run(ctx, tsPath)

	outcome, cerr := st.converter.Convert(ctx, tsPath, mp4Path)

	result := &Result{
		SegmentsDownloaded: dl.Succeeded,
		TotalSegments:      dl.Total,
		Duration:           downloadedDuration(pl.Segments, dl.Failed),
		SourcePlaylist:     pl.URL,
		ResolvedBy:         stream.Method,
		VideoID:            stream.VideoID,
		Diagnostics:        report,
	}
	if outcome != nil {
		result.Attempts = outcome.Attempts
	}

	if cerr == nil {
		if err := os.Remove(tsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove raw stream after conversion", "path", tsPath, "error", err)
		}
		result.Path = outcome.Path
		result.Size = outcome.Size
		result.Format = FormatMP4
		result.Converted = true
		result.Strategy = outcome.Strategy
		result.PlaybackGuidance = "The MP4 file plays in any modern browser or media player."
	} else {
		logger.Warn("conversion failed, keeping raw stream",
			"error", cerr,
			"likelyCause", apperr.Field(cerr, "likely_cause"),
		)

		info, err := os.Stat(tsPath)
		if err != nil {
			o.removeFiles(logger, tsPath)
			return nil, apperr.Wrap(apperr.KindFilesystem, "raw stream file missing", err).With("path", tsPath)
		}
		result.Path = tsPath
		result.Size = info.Size()
		result.Format = FormatTS
		result.FallbackReason = fallbackReason(cerr)
		result.ManualConversion = manualConversion(o.cfg.FFmpegPath, tsPath, mp4Path)
		result.PlaybackGuidance = "The .ts file plays in VLC or mpv but most browsers cannot open it. " +
			"Run the manual conversion command to produce an MP4."
	}

	result.Filename = filepath.Base(result.Path)
	result.SizeHuman = humanize.Bytes(uint64(result.Size))
	result.Message = summary(result)
	return result, nil
}

// ArtifactPath maps a retrieval request to a file in the output directory.
func (o *Orchestrator) ArtifactPath(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", apperr.New(apperr.KindFilesystem, "invalid artifact name").With("filename", filename)
	}

	p := filepath.Join(o.cfg.OutputDir, filename)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", apperr.Wrap(apperr.KindFilesystem, "artifact not found", err).With("filename", filename)
	}
	return p, nil
}

func (o *Orchestrator) removeFiles(logger *slog.Logger, paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove partial file", "path", p, "error", err)
		}
	}
}

// downloadedDuration sums the EXTINF durations of the segments that made it
// into the raw stream.
func downloadedDuration(segs []segment.Segment, failed []int) float64 {
	skipped := make(map[int]bool, len(failed))
	for _, seq := range failed {
		skipped[seq] = true
	}
	var kept []segment.Segment
	for _, s := range segs {
		if !skipped[s.Sequence] {
			kept = append(kept, s)
		}
	}
	return segment.TotalDuration(kept)
}

func fallbackReason(err error) string {
	var ae *converter.AttemptError
	if errors.As(err, &ae) {
		return fmt.Sprintf("Conversion to MP4 failed with every strategy; the last one (%s) reported: %s. %s",
			ae.Strategy, ae.Reason, ae.LikelyCause.Hint())
	}
	var se *execx.StartError
	if errors.As(err, &se) {
		return fmt.Sprintf("The conversion tool %q could not be started: %v.", se.Path, se.Err)
	}
	return "Conversion to MP4 failed: " + err.Error()
}

func summary(r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Downloaded %d of %d segments", r.SegmentsDownloaded, r.TotalSegments)
	if r.Converted {
		fmt.Fprintf(&b, " and converted to MP4 using the %s strategy", r.Strategy)
	} else {
		b.WriteString(" and kept the raw transport stream because MP4 conversion failed")
	}
	fmt.Fprintf(&b, " (%s).", r.SizeHuman)
	if missing := r.TotalSegments - r.SegmentsDownloaded; missing > 0 {
		fmt.Fprintf(&b, " %d segments were unavailable and are missing from the video.", missing)
	}
	return b.String()
}
