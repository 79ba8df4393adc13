package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/txtracker/internal/core/domain"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate transaction statistics",
	Run:   runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	store := openHistory(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	stats, err := store.GetStats(ctx)
	if err != nil {
		slog.Error("Failed to compute stats", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\n", stats.Total)
	for _, s := range domain.TxStatuses {
		_, _ = fmt.Fprintf(w, "STATUS %s\t%d\n", s, stats.ByStatus[s])
	}
	for _, a := range domain.ActionTypes {
		_, _ = fmt.Fprintf(w, "ACTION %s\t%d\n", a, stats.ByActionType[a])
	}
	_, _ = fmt.Fprintf(w, "FEES\t%s\n", stats.TotalFees)
	_, _ = fmt.Fprintf(w, "AVG CONFIRMATION\t%s\n", stats.AvgConfirmationTime)
	_ = w.Flush()
}
