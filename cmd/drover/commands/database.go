package commands

import (
	"github.com/teranos/drover/am"
	"github.com/teranos/drover/db"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/store"
)

// openStore opens and migrates the database at dbPath, or at the configured
// path when dbPath is empty
func openStore(cfg *am.Config, dbPath string) (*store.Store, func(), error) {
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return store.New(database, logger.Logger), func() { database.Close() }, nil
}
