package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/txtracker/internal/core/config"
	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/history"
	"github.com/vietddude/txtracker/internal/infra/storage"
)

var (
	historyAction string
	historyStatus string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded transactions, newest first",
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyAction, "action", "", "filter by action type")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows")
	rootCmd.AddCommand(historyCmd)
}

// openHistory opens the configured durable store or exits.
func openHistory(ctx context.Context, cfg *config.AppConfig) *history.Store {
	store := history.NewStore(history.OpenerFor(ctx, cfg.Database))
	if err := store.Init(ctx); err != nil {
		slog.Error("Failed to open history", "error", err)
		os.Exit(1)
	}
	return store
}

func runHistory(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	store := openHistory(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	recs, err := store.QueryTransactions(ctx, storage.QueryOptions{
		ActionType: domain.ActionType(historyAction),
		Status:     domain.TxStatus(historyStatus),
		Limit:      historyLimit,
		Order:      storage.SortDesc,
	})
	if err != nil {
		slog.Error("Failed to query history", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tACTION\tSTATUS\tCREATED\tHEIGHT\tRETRIES")
	for _, rec := range recs {
		height := "-"
		if rec.ConfirmationHeight != nil {
			height = fmt.Sprint(*rec.ConfirmationHeight)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			rec.ID,
			rec.ActionType,
			rec.Status,
			rec.CreatedAt().Format(time.RFC3339),
			height,
			rec.RetryCount,
		)
	}
	_ = w.Flush()
}
