package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SeedHosts inserts the given hostnames if they are missing. Host
// provisioning is an out-of-band concern; this is a dev convenience so the
// webhook has something to target.
func SeedHosts(ctx context.Context, pool *pgxpool.Pool, hostnames []string) error {
	for _, hostname := range hostnames {
		// check if the host exists

		var dummy string

		err := pool.QueryRow(ctx, `SELECT id FROM hosts WHERE hostname = $1`, hostname).Scan(&dummy)

		if err == nil {
			continue
		}

		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		_, err = pool.Exec(ctx,
			`INSERT INTO hosts (id, hostname, metadata) VALUES ($1, $2, NULL)`,
			uuid.NewString(), hostname,
		)

		if err != nil {
			return err
		}
	}

	return nil
}
