package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPool creates a Postgres connection pool using the standard
// defaults; callers are responsible for calling pool.Close().
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}
