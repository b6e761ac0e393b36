package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/astas888/mangadl/internal/job"
)

// newEnqueueCmd creates the 'enqueue' subcommand: a producer convenience for
// pushing one job document onto the shared queue.
func newEnqueueCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push a job JSON document onto the download queue",
		Long: `Reads one job document ({"manga_title", "chapter_title", "urls",
"source_url", "sem_limit"}) from a file or stdin, validates it with the same
schema the consumer applies, and pushes it onto the shared queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueueCommand(cmd, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "job JSON file (- for stdin)")
	return cmd
}

func runEnqueueCommand(cmd *cobra.Command, file string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	payload, err := readPayload(file)
	if err != nil {
		return err
	}

	// Reject malformed jobs at the producer instead of dead-lettering them
	// at the consumer.
	j, err := job.Decode(payload, cfg.Downloads.FanoutLimit)
	if err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	store, err := newStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.PushJob(cmd.Context(), cfg.Redis.QueueKey, payload); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %q (%d pages) on %s\n",
		j.ChapterTitle, len(j.URLs), cfg.Redis.QueueKey)
	return nil
}

func readPayload(file string) ([]byte, error) {
	if file == "-" {
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return payload, nil
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return payload, nil
}
