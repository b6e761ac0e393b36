// Package downloader orchestrates one chapter job: it holds a per-source
// admission slot for the duration of the job and fans the asset fetches out
// under the job-local concurrency cap.
package downloader

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astas888/mangadl/internal/job"
	"github.com/astas888/mangadl/internal/source"
)

// defaultExt is used when the asset URL carries no usable extension.
const defaultExt = ".jpg"

// defaultFanout applies when a job carries no fan-out limit.
const defaultFanout = 8

// Admitter issues and releases per-source admission slots. Satisfied by
// *admission.Controller.
type Admitter interface {
	Acquire(ctx context.Context, src string) error
	Release(ctx context.Context, src string) error
}

// Fetcher downloads one asset to a destination path. Satisfied by
// *fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest, src string) error
}

// Config controls Downloader behavior.
type Config struct {
	// OutputDir is the root under which chapters are written.
	OutputDir string
}

// Summary reports how many assets of a job landed on disk. There is no
// separate failure signal: an incomplete chapter is Done < Total.
type Summary struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Downloader executes chapter jobs.
type Downloader struct {
	admitter Admitter
	fetcher  Fetcher
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Downloader.
func New(admitter Admitter, fetcher Fetcher, cfg Config, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		admitter: admitter,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// DownloadJob runs one job to completion and reports the summary.
//
// Two independent caps compose here: the admission slot bounds how many jobs
// for this source run concurrently across all worker processes, while the
// job's fan-out limit bounds simultaneous fetches within this job. The first
// protects the upstream source, the second protects local file descriptors
// and memory; they are never collapsed into one number.
//
// Acquire may block indefinitely when no acquire timeout is configured.
// Asset failures are recorded and logged, never returned: partial completion
// is an accepted outcome.
func (d *Downloader) DownloadJob(ctx context.Context, j job.Job) (Summary, error) {
	src := source.Resolve(j.SourceURL)

	if err := d.admitter.Acquire(ctx, src); err != nil {
		return Summary{}, fmt.Errorf("acquire admission slot: %w", err)
	}
	defer func() {
		// The slot must drain even when ctx is already canceled.
		if err := d.admitter.Release(context.WithoutCancel(ctx), src); err != nil {
			d.logger.Error("release admission slot failed", zap.String("source", src), zap.Error(err))
		}
	}()

	dir := filepath.Join(d.cfg.OutputDir, j.MangaTitle, j.ChapterTitle)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Summary{}, fmt.Errorf("create chapter dir %s: %w", dir, err)
	}

	fanout := j.FanoutLimit
	if fanout <= 0 {
		fanout = defaultFanout
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)

	for i, assetURL := range j.URLs {
		assetURL := assetURL
		// 1-based index fixes the output filename regardless of
		// completion order.
		dest := filepath.Join(dir, fmt.Sprintf("%03d%s", i+1, extensionOf(assetURL)))
		g.Go(func() error {
			if err := d.fetcher.Fetch(gctx, assetURL, dest, src); err != nil {
				d.logger.Warn("asset fetch failed",
					zap.String("source", src),
					zap.String("url", assetURL),
					zap.Error(err),
				)
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures are counted

	summary := Summary{Done: int(done.Load()), Total: len(j.URLs)}
	d.logger.Info("chapter finished",
		zap.String("source", src),
		zap.String("manga", j.MangaTitle),
		zap.String("chapter", j.ChapterTitle),
		zap.Int("done", summary.Done),
		zap.Int("total", summary.Total),
	)
	return summary, nil
}

// extensionOf derives the output extension from the asset URL's path.
func extensionOf(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	if ext := path.Ext(p); ext != "" {
		return ext
	}
	return defaultExt
}
