// The vodgrab command runs an HTTP service that captures HLS video-on-demand
// streams into single downloadable MP4 (or raw transport stream) files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/agleyzer/vodgrab/internal/execx"
	"github.com/agleyzer/vodgrab/internal/fetch"
	"github.com/agleyzer/vodgrab/internal/parser"
	"github.com/agleyzer/vodgrab/internal/pipeline"
	"github.com/agleyzer/vodgrab/internal/server"
)

const (
	version = "1.0.0"
)

// options holds the parsed command-line flags.
type options struct {
	port        int
	outputDir   string
	ffmpeg      string
	ffprobe     string
	userAgent   string
	defaultHost string
	maxDepth    int
	noProbe     bool
	verbose     bool
	toolLog     bool
}

func main() {
	var opts options

	// Parse command-line flags
	flag.IntVar(&opts.port, "port", 8080, "HTTP server port")
	flag.StringVar(&opts.outputDir, "output-dir", "./downloads", "Directory for downloaded and converted files")
	flag.StringVar(&opts.ffmpeg, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	flag.StringVar(&opts.ffprobe, "ffprobe", "ffprobe", "Path to the ffprobe binary")
	flag.StringVar(&opts.userAgent, "user-agent", fetch.DefaultUserAgent, "User-Agent header sent upstream")
	flag.StringVar(&opts.defaultHost, "default-host", "", "Host used to resolve bare numeric video ids")
	flag.IntVar(&opts.maxDepth, "max-depth", parser.DefaultMaxDepth, "Maximum number of master playlists to follow")
	flag.BoolVar(&opts.noProbe, "no-probe", false, "Skip ffprobe stream diagnostics")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&opts.toolLog, "tool-log", false, "Mirror ffmpeg and ffprobe output to stderr")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "vodgrab - HLS VOD capture service v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEndpoints:\n")
		fmt.Fprintf(os.Stderr, "  POST /api/download        {\"url\": \"...\", \"filename\": \"...\"}\n")
		fmt.Fprintf(os.Stderr, "  GET  /downloads/{file}    retrieve a finished capture\n")
		fmt.Fprintf(os.Stderr, "  GET  /health, /metrics\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --port 8080 --output-dir /var/lib/vodgrab\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --ffmpeg /usr/local/bin/ffmpeg --tool-log --verbose\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("vodgrab v%s\n", version)
		os.Exit(0)
	}

	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("vodgrab starting", "version", version)

	// Run the application
	if err := run(opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("vodgrab stopped")
}

func (o options) validate() error {
	if o.port < 1 || o.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if o.outputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if o.maxDepth < 1 {
		return fmt.Errorf("max depth must be at least 1")
	}
	if o.ffmpeg == "" {
		return fmt.Errorf("ffmpeg path is required")
	}
	return nil
}

func (o options) config() pipeline.Config {
	return pipeline.Config{
		OutputDir:        o.outputDir,
		FFmpegPath:       o.ffmpeg,
		FFprobePath:      o.ffprobe,
		UserAgent:        o.userAgent,
		DefaultHost:      o.defaultHost,
		MaxPlaylistDepth: o.maxDepth,
		DisableProbe:     o.noProbe,
	}
}

func (o options) toolLogger() hclog.Logger {
	if !o.toolLog {
		return execx.NewNoOpToolLogger()
	}
	level := hclog.Info
	if o.verbose {
		level = hclog.Trace
	}
	return execx.NewToolLogger(os.Stderr, level)
}

func run(opts options, logger *slog.Logger) error {
	cfg := opts.config()
	if err := cfg.Validate(); err != nil {
		return err
	}

	orchestrator, err := pipeline.New(
		cfg,
		fetch.New(cfg.UserAgent),
		execx.New(opts.toolLogger()),
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	srv := server.New(orchestrator, opts.port, version, logger)

	logger.Info("capture service ready",
		"submit", fmt.Sprintf("http://localhost:%d/api/download", opts.port),
		"health", fmt.Sprintf("http://localhost:%d/health", opts.port),
		"outputDir", orchestrator.OutputDir(),
		"ffmpeg", cfg.FFmpegPath,
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}
