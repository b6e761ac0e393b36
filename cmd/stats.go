package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/astas888/mangadl/internal/admission"
)

// newStatsCmd creates the 'stats' subcommand: prints the per-source
// admission snapshot.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-source download statistics",
		RunE:  runStatsCommand,
	}
}

func runStatsCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := newStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	controller := admission.New(store, admission.Config{
		DefaultLimit: cfg.Admission.DefaultLimit,
	}, zap.NewNop())

	snapshot, err := controller.Snapshot(cmd.Context())
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tLIMIT\tSUCCESS\tERROR\tERROR%")
	for _, row := range snapshot {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n",
			row.Source, row.Limit, row.Success, row.Error, row.ErrorRate)
	}
	return w.Flush()
}
