package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astas888/mangadl/internal/counterstore/memory"
	"github.com/astas888/mangadl/internal/downloader"
	"github.com/astas888/mangadl/internal/job"
	pubmemory "github.com/astas888/mangadl/internal/publisher/memory"
)

type fakeDownloader struct {
	mu      sync.Mutex
	jobs    []job.Job
	summary downloader.Summary
	err     error
}

func (d *fakeDownloader) DownloadJob(_ context.Context, j job.Job) (downloader.Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, j)
	return d.summary, d.err
}

func (d *fakeDownloader) processed() []job.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]job.Job(nil), d.jobs...)
}

func testConsumerConfig() Config {
	return Config{
		QueueKey:      "download_jobs",
		DeadLetterKey: "download_jobs:dead",
		PopTimeout:    20 * time.Millisecond,
		DefaultFanout: 8,
		OutcomeTopic:  "chapter-outcomes",
	}
}

func TestConsumer_ProcessesValidJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	dl := &fakeDownloader{summary: downloader.Summary{Done: 2, Total: 2}}
	pub := pubmemory.New()
	c := New(store, dl, pub, testConsumerConfig(), zap.NewNop())

	payload := []byte(`{"manga_title":"One Piece","chapter_title":"ch1","urls":["http://h/1.jpg","http://h/2.jpg"],"source_url":"https://mangapill.com/manga/one-piece"}`)
	require.NoError(t, store.PushJob(ctx, "download_jobs", payload))

	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return len(dl.processed()) == 1
	}, time.Second, 10*time.Millisecond)

	got := dl.processed()[0]
	require.Equal(t, "One Piece", got.MangaTitle)
	require.Equal(t, "ch1", got.ChapterTitle)
	require.Len(t, got.URLs, 2)
	require.Equal(t, 8, got.FanoutLimit, "missing fan-out defaults from config")

	require.Eventually(t, func() bool {
		return len(pub.Messages()) == 1
	}, time.Second, 10*time.Millisecond)
	msg := pub.Messages()[0]
	require.Equal(t, "chapter-outcomes", msg.Topic)
}

func TestConsumer_DeadLettersMalformedPayload(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	dl := &fakeDownloader{}
	c := New(store, dl, nil, testConsumerConfig(), zap.NewNop())

	require.NoError(t, store.PushJob(ctx, "download_jobs", []byte("not json at all")))

	go c.Run(ctx)

	payload, ok := popDeadLetter(t, ctx, store)
	require.True(t, ok, "malformed payload should be dead-lettered")

	var envelope deadLetterEnvelope
	require.NoError(t, json.Unmarshal(payload, &envelope))
	require.NotEmpty(t, envelope.ID)
	require.NotEmpty(t, envelope.Error)
	require.Equal(t, "not json at all", envelope.Payload)
	require.NotEmpty(t, envelope.ReceivedAt)

	require.Empty(t, dl.processed(), "malformed payloads never reach the downloader")
}

func TestConsumer_DeadLettersInvalidJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	c := New(store, &fakeDownloader{}, nil, testConsumerConfig(), zap.NewNop())

	// Valid JSON, but no urls.
	require.NoError(t, store.PushJob(ctx, "download_jobs", []byte(`{"chapter_title":"ch1","urls":[]}`)))

	go c.Run(ctx)

	payload, ok := popDeadLetter(t, ctx, store)
	require.True(t, ok)

	var envelope deadLetterEnvelope
	require.NoError(t, json.Unmarshal(payload, &envelope))
	require.Contains(t, envelope.Error, "no urls")
}

func TestConsumer_ContinuesAfterAbandonedJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	dl := &fakeDownloader{err: context.DeadlineExceeded}
	c := New(store, dl, nil, testConsumerConfig(), zap.NewNop())

	first := []byte(`{"chapter_title":"ch1","urls":["http://h/1.jpg"]}`)
	second := []byte(`{"chapter_title":"ch2","urls":["http://h/1.jpg"]}`)
	require.NoError(t, store.PushJob(ctx, "download_jobs", first))
	require.NoError(t, store.PushJob(ctx, "download_jobs", second))

	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return len(dl.processed()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	store := memory.New()
	c := New(store, &fakeDownloader{}, nil, testConsumerConfig(), zap.NewNop())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}

func popDeadLetter(t *testing.T, ctx context.Context, store *memory.Store) ([]byte, bool) {
	t.Helper()
	payload, ok, err := store.PopJob(ctx, "download_jobs:dead", time.Second)
	require.NoError(t, err)
	return payload, ok
}
