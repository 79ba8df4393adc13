package history

import (
	"context"
	"log/slog"

	"github.com/vietddude/txtracker/internal/infra/storage"
	"github.com/vietddude/txtracker/internal/infra/storage/memory"
	"github.com/vietddude/txtracker/internal/infra/storage/sqlstore"
)

// DriverMemory selects the in-process backend.
const DriverMemory = "memory"

// OpenerFor returns an Opener for cfg. The sql backend also starts the pool
// metrics collector, bound to ctx.
func OpenerFor(ctx context.Context, cfg sqlstore.Config) Opener {
	if cfg.Driver == DriverMemory {
		return func(context.Context) (storage.RecordRepository, error) {
			slog.Info("Using in-memory history store")
			return memory.NewRecordStore(), nil
		}
	}
	return func(openCtx context.Context) (storage.RecordRepository, error) {
		db, err := sqlstore.NewDB(openCtx, cfg)
		if err != nil {
			return nil, err
		}
		db.StartMetricsCollector(ctx)
		slog.Info("History store opened", "driver", cfg.Driver)
		return sqlstore.NewRecordRepo(db), nil
	}
}
