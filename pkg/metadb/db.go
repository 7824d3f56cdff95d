package metadb

import (
	"context"

	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/logging"
)

// New is the top-level entry point the rest of the service calls to
// bring up the metadata store: open the pool, migrate, and return it
// ready for pkg/repo and pkg/gc to build on.
func New(ctx context.Context, log logging.Logger, cfg config.Source) (*Pool, error) {
	dataPath := cfg.String(config.KeyDataPath)
	if dataPath == "" {
		return nil, Error.New("%s is required", config.KeyDataPath)
	}
	return Open(ctx, log, cfg, dataPath)
}
