// Package downloader assembles HLS media segments into a single transport stream file.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/agleyzer/vodgrab/internal/apperr"
	"github.com/agleyzer/vodgrab/internal/fetch"
	"github.com/agleyzer/vodgrab/internal/metrics"
	"github.com/agleyzer/vodgrab/internal/segment"
)

// DefaultSegmentTimeout bounds the transfer of a single segment.
const DefaultSegmentTimeout = 30 * time.Second

// Result describes an assembled stream file.
type Result struct {
	// Path is the assembled raw stream file
	Path string

	// Succeeded is the number of segments written
	Succeeded int

	// Total is the number of segments attempted
	Total int

	// Failed lists the sequence numbers of segments that were skipped
	Failed []int

	// Bytes is the size of the assembled file
	Bytes int64
}

// Partial reports whether some segments were skipped.
func (r *Result) Partial() bool {
	return r.Succeeded < r.Total
}

// Options configures a Downloader.
type Options struct {
	SegmentTimeout time.Duration

	// Progress, if set, is called after each segment with the number of
	// segments processed so far.
	Progress func(done, total int)
}

// Downloader fetches segments sequentially and appends them to one file.
type Downloader struct {
	fetcher fetch.Fetcher
	opts    Options
	logger  *slog.Logger
}

// New creates a Downloader.
func New(fetcher fetch.Fetcher, opts Options, logger *slog.Logger) *Downloader {
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = DefaultSegmentTimeout
	}
	return &Downloader{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
	}
}

// Download fetches segs in order and concatenates their bytes into destPath.
// A segment that fails is skipped and contributes no bytes. Download fails
// only when no segment succeeded; the file at destPath is left in place for
// the caller to clean up.
func (d *Downloader) Download(ctx context.Context, segs []segment.Segment, destPath string) (*Result, error) {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFilesystem, "failed to create stream file", err).With("path", destPath)
	}

	result := &Result{
		Path:  destPath,
		Total: len(segs),
	}

	var offset int64
	for i, seg := range segs {
		n, err := d.appendSegment(ctx, f, seg.URL)
		if err != nil {
			metrics.SegmentsTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("segment failed, skipping",
				"sequence", seg.Sequence,
				"url", seg.URL,
				"error", err,
			)
			result.Failed = append(result.Failed, seg.Sequence)

			if rerr := rewind(f, offset); rerr != nil {
				f.Close()
				return nil, apperr.Wrap(apperr.KindFilesystem, "failed to discard partial segment", rerr).With("path", destPath)
			}
		} else {
			metrics.SegmentsTotal.WithLabelValues("ok").Inc()
			metrics.SegmentBytesTotal.Add(float64(n))
			offset += n
			result.Succeeded++
		}

		if d.opts.Progress != nil {
			d.opts.Progress(i+1, len(segs))
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, apperr.Wrap(apperr.KindFilesystem, "failed to flush stream file", err).With("path", destPath)
	}
	if err := f.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindFilesystem, "failed to close stream file", err).With("path", destPath)
	}
	result.Bytes = offset

	if result.Succeeded == 0 {
		return result, apperr.New(apperr.KindDownload, "no segments succeeded").
			With("total", fmt.Sprint(result.Total))
	}

	d.logger.Info("segments downloaded",
		"succeeded", result.Succeeded,
		"total", result.Total,
		"bytes", result.Bytes,
	)
	return result, nil
}

func (d *Downloader) appendSegment(ctx context.Context, w io.Writer, url string) (int64, error) {
	body, err := d.fetcher.Stream(ctx, url, d.opts.SegmentTimeout)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("stream segment: %w", err)
	}
	return n, nil
}

// rewind drops anything written past offset.
func rewind(f *os.File, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return err
	}
	_, err := f.Seek(offset, io.SeekStart)
	return err
}
