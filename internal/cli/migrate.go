package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/txtracker/internal/bridge"
	"github.com/vietddude/txtracker/internal/control"
	redisclient "github.com/vietddude/txtracker/internal/infra/redis"
)

var migrateKey string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy a legacy working set into the durable history once",
	Run:   runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateKey, "key", "", "blob key to migrate (default is the listener storage key)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	var client *redisclient.Client
	if cfg.Legacy.Driver == "redis" {
		var err error
		client, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = client.Close()
		}()
	}

	blobs, err := control.OpenWorkingSet(cfg.Legacy, client)
	if err != nil {
		slog.Error("Failed to open working set", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = blobs.Close()
	}()

	store := openHistory(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	key := migrateKey
	if key == "" {
		key = cfg.Listener.StorageKey
	}
	n, err := bridge.New(cfg.Bridge, blobs, store).MigrateFromLegacy(ctx, key)
	if err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migration complete", "key", key, "inserted", n)
}
