// Package store bundles the persistence-layer fx providers: the idempotency
// ledger and the instance descriptor list (spec §4.1, §4.5).
package store

import (
	"log/slog"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/whatsapp-hub/supervisor/internal/store/idempotency"
	"github.com/whatsapp-hub/supervisor/internal/store/instances"
)

// Config bundles the data-directory layout for both stores.
type Config struct {
	DataDir string
}

// Module wires both stores off a single data directory.
var Module = fx.Module("store",
	fx.Provide(
		NewIdempotencyStore,
		NewInstancesStore,
	),
)

// NewIdempotencyStore opens the idempotency ledger at <dataDir>/idempotency.json.
func NewIdempotencyStore(cfg Config, logger *slog.Logger) *idempotency.Store {
	return idempotency.New(filepath.Join(cfg.DataDir, "idempotency.json"), logger)
}

// NewInstancesStore opens the instance descriptor list at <dataDir>/instances.json.
func NewInstancesStore(cfg Config, logger *slog.Logger) *instances.Store {
	return instances.New(filepath.Join(cfg.DataDir, "instances.json"), logger)
}
