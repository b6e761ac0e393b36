// Package worker implements the job queue consumer loop.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astas888/mangadl/internal/counterstore"
	"github.com/astas888/mangadl/internal/downloader"
	"github.com/astas888/mangadl/internal/job"
	"github.com/astas888/mangadl/internal/metrics"
	"github.com/astas888/mangadl/internal/publisher"
)

// Downloader executes one chapter job. Satisfied by *downloader.Downloader.
type Downloader interface {
	DownloadJob(ctx context.Context, j job.Job) (downloader.Summary, error)
}

// Config controls Consumer behavior.
type Config struct {
	QueueKey      string
	DeadLetterKey string
	// PopTimeout bounds each blocking pop so the loop can observe ctx.
	PopTimeout time.Duration
	// DefaultFanout applies to jobs that carry no fan-out limit.
	DefaultFanout int
	// OutcomeTopic names the topic for job completion events. Empty disables
	// publishing.
	OutcomeTopic string
}

// deadLetterEnvelope wraps a payload the consumer could not decode. The ID
// identifies this failure record, not the job: jobs have no identity in the
// core.
type deadLetterEnvelope struct {
	ID         string `json:"id"`
	Error      string `json:"error"`
	Payload    string `json:"payload"`
	ReceivedAt string `json:"received_at"`
}

// outcomeEvent is the per-job completion report.
type outcomeEvent struct {
	Manga     string `json:"manga_title"`
	Chapter   string `json:"chapter_title"`
	Source    string `json:"source_url,omitempty"`
	Done      int    `json:"done"`
	Total     int    `json:"total"`
	Timestamp string `json:"timestamp"`
}

// Consumer pops jobs from the shared queue one at a time and drives each to
// completion. Horizontal throughput comes from running more consumers, in
// this process or in others; they coordinate only through the store.
type Consumer struct {
	store      counterstore.Store
	downloader Downloader
	publisher  publisher.Publisher
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Consumer.
func New(
	store counterstore.Store,
	dl Downloader,
	pub publisher.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Consumer {
	metrics.Init()
	if pub == nil {
		pub = publisher.NoOp{}
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		store:      store,
		downloader: dl,
		publisher:  pub,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming jobs until the context finishes. A job, once popped,
// runs to completion; cancellation is only observed between jobs and inside
// the fetch/admission layers.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, ok, err := c.store.PopJob(ctx, c.cfg.QueueKey, c.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("queue pop failed", zap.Error(err))
			c.sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}

		j, err := job.Decode(payload, c.cfg.DefaultFanout)
		if err != nil {
			c.deadLetter(ctx, payload, err)
			continue
		}
		c.process(ctx, j)
	}
}

func (c *Consumer) process(ctx context.Context, j job.Job) {
	summary, err := c.downloader.DownloadJob(ctx, j)
	if err != nil {
		// Only admission/setup failures land here; asset failures are
		// already folded into the summary.
		c.logger.Error("job abandoned",
			zap.String("manga", j.MangaTitle),
			zap.String("chapter", j.ChapterTitle),
			zap.Error(err),
		)
		metrics.ObserveJob("abandoned")
		return
	}

	result := "complete"
	if summary.Done < summary.Total {
		result = "partial"
	}
	metrics.ObserveJob(result)
	c.publishOutcome(ctx, j, summary)
}

func (c *Consumer) publishOutcome(ctx context.Context, j job.Job, summary downloader.Summary) {
	if c.cfg.OutcomeTopic == "" {
		return
	}
	event := outcomeEvent{
		Manga:     j.MangaTitle,
		Chapter:   j.ChapterTitle,
		Source:    j.SourceURL,
		Done:      summary.Done,
		Total:     summary.Total,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.OutcomeTopic, event); err != nil {
		c.logger.Error("publish outcome failed",
			zap.String("chapter", j.ChapterTitle),
			zap.Error(err),
		)
	}
}

// deadLetter moves a malformed payload to the dead-letter list instead of
// dropping it.
func (c *Consumer) deadLetter(ctx context.Context, payload []byte, cause error) {
	c.logger.Warn("dead-lettering malformed payload", zap.Error(cause))
	metrics.ObserveDeadLetter()
	if c.cfg.DeadLetterKey == "" {
		return
	}
	envelope := deadLetterEnvelope{
		ID:         uuid.NewString(),
		Error:      cause.Error(),
		Payload:    string(payload),
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("marshal dead letter failed", zap.Error(err))
		return
	}
	if err := c.store.PushJob(ctx, c.cfg.DeadLetterKey, data); err != nil {
		c.logger.Error("push dead letter failed", zap.Error(err))
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
