package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/config"
	"github.com/mwa-demo/calfit/internal/resilience"
	"github.com/mwa-demo/calfit/internal/store"
)

// openStore opens and migrates the configured run store. The "none" driver
// returns a nil store.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverSQLite:
		st, err = store.NewSQLite(c.Store.Path)
	case config.DriverPostgres:
		pool := c.Store.Pool
		err = resilience.Do(ctx, resilience.ConnectPolicy(), "connect postgres", func(ctx context.Context) error {
			var pgErr error
			st, pgErr = store.NewPostgres(ctx, c.Store.DatabaseURL, &pool)
			return pgErr
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func closeStore(st store.Store) {
	if st != nil {
		st.Close() //nolint:errcheck
	}
}
