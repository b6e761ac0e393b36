// Package fetch downloads single assets to disk and reports each outcome to
// the admission controller.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/astas888/mangadl/internal/metrics"
)

// OutcomeRecorder receives exactly one success/failure signal per completed
// fetch. Satisfied by *admission.Controller.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, source string, success bool) error
}

// Config controls the fetch client and its retry behavior.
type Config struct {
	// Timeout is the absolute budget for one HTTP attempt, not per byte.
	Timeout   time.Duration
	UserAgent string
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Fetcher streams assets to destination paths with idempotent
// skip-if-exists semantics.
type Fetcher struct {
	client   *http.Client
	recorder OutcomeRecorder
	retry    *retryPolicy
	cfg      Config
	logger   *zap.Logger
}

// New builds a Fetcher with a pooled transport.
func New(recorder OutcomeRecorder, cfg Config, logger *zap.Logger) *Fetcher {
	metrics.Init()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 20
	transport.IdleConnTimeout = 90 * time.Second
	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		recorder: recorder,
		retry:    newRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		cfg:      cfg,
		logger:   logger,
	}
}

// Fetch downloads url to dest, streaming the body so memory stays constant
// regardless of asset size.
//
// A file already present at dest with non-zero size is treated as downloaded:
// Fetch returns nil without network I/O and without recording an outcome.
// That size check is the only corruption guard — a failed attempt may leave a
// partial or zero-byte file behind, and only the zero-byte case is caught on
// re-run. Callers rely on these exact semantics for idempotent re-runs.
//
// Transient failures are retried per the configured policy; exactly one
// outcome is recorded with the admission controller once retries resolve.
func (f *Fetcher) Fetch(ctx context.Context, url, dest, src string) error {
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		f.logger.Debug("asset already present", zap.String("dest", dest))
		return nil
	}

	var (
		written int64
		err     error
	)
	for attempt := 0; ; attempt++ {
		written, err = f.download(ctx, url, dest)
		if err == nil || !f.retry.shouldRetry(err, attempt) {
			break
		}
		f.logger.Debug("retrying asset fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			err = fmt.Errorf("fetch %s: %w", url, ctx.Err())
		case <-time.After(f.retry.backoff(attempt)):
			continue
		}
		break
	}

	f.record(ctx, src, err == nil)
	if err != nil {
		metrics.ObserveImage(src, "error", 0)
		return err
	}
	metrics.ObserveImage(src, "success", written)
	return nil
}

func (f *Fetcher) download(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request for %s: %w", url, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &statusError{url: url, code: resp.StatusCode}
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	written, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		// The partial file stays behind; the size check on re-run only
		// catches the zero-byte case.
		return written, fmt.Errorf("write %s: %w", dest, err)
	}
	return written, nil
}

func (f *Fetcher) record(ctx context.Context, src string, success bool) {
	if f.recorder == nil {
		return
	}
	if err := f.recorder.RecordOutcome(ctx, src, success); err != nil {
		f.logger.Error("record outcome failed", zap.String("source", src), zap.Error(err))
	}
}

// statusError marks a non-success HTTP response.
type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.url, e.code)
}
