// Package converter re-containerizes raw transport streams into MP4 by
// trying an ordered list of ffmpeg strategies.
package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agleyzer/vodgrab/internal/apperr"
	"github.com/agleyzer/vodgrab/internal/execx"
	"github.com/agleyzer/vodgrab/internal/metrics"
)

const (
	// DefaultTimeout bounds each strategy attempt.
	DefaultTimeout = 5 * time.Minute

	// DefaultFFmpegPath is looked up in PATH.
	DefaultFFmpegPath = "ffmpeg"

	stderrTailBytes = 4096
)

// Strategy is one ffmpeg invocation profile.
type Strategy struct {
	// Name identifies the strategy in results and metrics.
	Name string

	// Args builds the ffmpeg argument vector for input and output paths.
	Args func(input, output string) []string
}

// DefaultStrategies returns the strategies in the order they are tried:
// stream copy, re-encode to H.264/AAC, and a bare forced-format remux.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name: "copy",
			Args: func(in, out string) []string {
				return []string{
					"-hide_banner", "-y",
					"-i", in,
					"-c", "copy",
					"-bsf:a", "aac_adtstoasc",
					"-movflags", "+faststart",
					out,
				}
			},
		},
		{
			Name: "reencode",
			Args: func(in, out string) []string {
				return []string{
					"-hide_banner", "-y",
					"-i", in,
					"-c:v", "libx264",
					"-preset", "fast",
					"-crf", "23",
					"-c:a", "aac",
					"-b:a", "128k",
					"-movflags", "+faststart",
					out,
				}
			},
		},
		{
			Name: "basic",
			Args: func(in, out string) []string {
				return []string{
					"-hide_banner", "-y",
					"-fflags", "+genpts",
					"-i", in,
					"-f", "mp4",
					out,
				}
			},
		},
	}
}

// Attempt records one strategy run.
type Attempt struct {
	Strategy string        `json:"strategy"`
	ExitCode int           `json:"exitCode"`
	TimedOut bool          `json:"timedOut,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Outcome is the result of Convert. When Converted is false, Path is the
// original input, which remains the deliverable.
type Outcome struct {
	Converted bool      `json:"converted"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Strategy  string    `json:"strategy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  []Attempt `json:"attempts"`
}

// AttemptError describes why a strategy failed.
type AttemptError struct {
	Strategy    string
	ExitCode    int
	TimedOut    bool
	Reason      string
	LikelyCause Cause
	Stderr      string
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("strategy %s failed: %s (exit code %d, likely cause: %s)",
		e.Strategy, e.Reason, e.ExitCode, e.LikelyCause)
}

// Options configures a Converter.
type Options struct {
	FFmpegPath string
	Timeout    time.Duration
	Strategies []Strategy
}

// Converter runs strategies until one produces a valid output file.
type Converter struct {
	runner execx.Runner
	opts   Options
	logger *slog.Logger
}

// New creates a Converter.
func New(runner execx.Runner, opts Options, logger *slog.Logger) *Converter {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = DefaultFFmpegPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies()
	}
	return &Converter{
		runner: runner,
		opts:   opts,
		logger: logger,
	}
}

// Convert converts input into output. On failure the returned Outcome still
// describes the attempts and points at input.
func (c *Converter) Convert(ctx context.Context, input, output string) (*Outcome, error) {
	outcome := &Outcome{Path: input}
	var last *AttemptError

	// An output left by an earlier run stays unless an attempt rewrites it.
	before := stat(output)

	for _, s := range c.opts.Strategies {
		c.logger.Info("trying conversion strategy", "strategy", s.Name, "input", input)

		res, err := c.runner.Run(ctx, execx.Command{
			Path:    c.opts.FFmpegPath,
			Args:    s.Args(input, output),
			Timeout: c.opts.Timeout,
		})
		if err != nil {
			metrics.ConversionAttemptsTotal.WithLabelValues(s.Name, "unavailable").Inc()
			outcome.Reason = err.Error()
			return outcome, apperr.Wrap(apperr.KindConversion, "tool unavailable", err).
				With("tool", c.opts.FFmpegPath)
		}

		attempt := Attempt{
			Strategy: s.Name,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
			Duration: res.Duration,
		}

		size, verr := check(res, before, output)
		if verr == nil {
			outcome.Attempts = append(outcome.Attempts, attempt)
			outcome.Converted = true
			outcome.Path = output
			outcome.Size = size
			outcome.Strategy = s.Name
			metrics.ConversionAttemptsTotal.WithLabelValues(s.Name, "ok").Inc()
			c.logger.Info("conversion succeeded", "strategy", s.Name, "output", output, "size", size)
			return outcome, nil
		}

		last = &AttemptError{
			Strategy:    s.Name,
			ExitCode:    res.ExitCode,
			TimedOut:    res.TimedOut,
			Reason:      verr.Error(),
			LikelyCause: Classify(res.Stderr),
			Stderr:      tail(res.Stderr, stderrTailBytes),
		}
		attempt.Error = last.Error()
		outcome.Attempts = append(outcome.Attempts, attempt)

		if written(before, stat(output)) {
			c.removePartial(output)
			before = nil
		}
		metrics.ConversionAttemptsTotal.WithLabelValues(s.Name, "failed").Inc()
		c.logger.Warn("conversion strategy failed",
			"strategy", s.Name,
			"exitCode", res.ExitCode,
			"timedOut", res.TimedOut,
			"reason", last.Reason,
			"likelyCause", last.LikelyCause,
		)
	}

	if last == nil {
		return outcome, apperr.New(apperr.KindConversion, "no strategies configured")
	}

	outcome.Reason = last.Error()
	return outcome, apperr.Wrap(apperr.KindConversion, "all strategies failed", last).
		With("strategy", last.Strategy).
		With("exit_code", fmt.Sprint(last.ExitCode)).
		With("likely_cause", string(last.LikelyCause))
}

// check accepts an attempt that exited cleanly and wrote a non-empty output.
func check(res *execx.Result, before os.FileInfo, output string) (int64, error) {
	if res.TimedOut {
		return 0, errors.New("timed out")
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("exit code %d", res.ExitCode)
	}

	info, err := os.Stat(output)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New("output file missing")
		}
		return 0, fmt.Errorf("stat output: %w", err)
	}
	if !written(before, info) {
		return 0, errors.New("output file not written")
	}
	if info.Size() == 0 {
		return 0, errors.New("output file empty")
	}
	return info.Size(), nil
}

func stat(path string) os.FileInfo {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return info
}

// written reports whether the file changed between two stats.
func written(before, after os.FileInfo) bool {
	if after == nil {
		return false
	}
	if before == nil {
		return true
	}
	return !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size()
}

func (c *Converter) removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove partial output", "path", path, "error", err)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
