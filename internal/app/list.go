package app

import (
	"context"
	"errors"
	"fmt"

	"bookbot/internal/config"
	"bookbot/internal/listing"
	"bookbot/internal/storage"
	logx "bookbot/pkg/logx"
)

// ListTracked opens the configured store and returns every tracked entry in
// admission order. It does not need credentials.
func ListTracked(ctx context.Context, cfgPath string) ([]listing.Tracked, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if sc.Driver == "memory" {
		return nil, errors.New("storage.driver is memory; nothing is persisted")
	}
	store, err := storage.Open(ctx, sc, logx.Nop())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	return store.List(ctx)
}
