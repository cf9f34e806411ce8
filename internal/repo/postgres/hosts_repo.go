package postgres

import (
	"context"
	"errors"

	"github.com/geocoder89/fleetrunner/internal/domain/host"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type HostsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewHostsRepo(pool *pgxpool.Pool, prom *observability.Prom) *HostsRepo {
	return &HostsRepo{pool: pool, prom: prom}
}

func (repo *HostsRepo) observe(op string, fn func() error) error {
	if repo.prom != nil {
		return repo.prom.ObserveDB(op, fn)
	}
	return fn()
}

// IsBlocked reports whether the host refuses the given command type. The
// runner re-checks this right before executing, so a block added after
// planning still takes effect.
func (repo *HostsRepo) IsBlocked(ctx context.Context, hostID string, cmd job.CommandType) (bool, error) {
	var blocked bool
	var err error

	op := "hosts.is_blocked"

	err = repo.observe(op, func() error {
		return repo.pool.QueryRow(ctx, `SELECT EXISTS(
			SELECT 1 FROM host_command_blocks
			WHERE host_id = $1 AND command_type = $2
		)`, hostID, string(cmd)).Scan(&blocked)
	})

	if err != nil {
		return false, err
	}

	return blocked, nil
}

// ReplaceBlocks swaps the host's block set atomically. Input commands are
// deduplicated preserving first occurrence. Returns the resulting set in
// ascending order.
func (repo *HostsRepo) ReplaceBlocks(ctx context.Context, hostID string, commands []job.CommandType) (current []string, err error) {
	seen := make(map[job.CommandType]bool, len(commands))
	deduped := make([]job.CommandType, 0, len(commands))

	for _, cmd := range commands {
		if seen[cmd] {
			continue
		}
		seen[cmd] = true
		deduped = append(deduped, cmd)
	}

	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var exists bool

	err = repo.observe("hosts.replace_blocks.exists", func() error {
		return tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM hosts WHERE id = $1)`, hostID).Scan(&exists)
	})

	if err != nil {
		return
	}

	if !exists {
		err = host.ErrNotFound
		return
	}

	err = repo.observe("hosts.replace_blocks.delete", func() error {
		_, e := tx.Exec(ctx, `DELETE FROM host_command_blocks WHERE host_id = $1`, hostID)
		return e
	})

	if err != nil {
		return
	}

	for _, cmd := range deduped {
		err = repo.observe("hosts.replace_blocks.insert", func() error {
			_, e := tx.Exec(ctx, `
				INSERT INTO host_command_blocks (id, host_id, command_type)
				VALUES ($1, $2, $3)
			`, uuid.NewString(), hostID, string(cmd))
			return e
		})

		if err != nil {
			return
		}
	}

	err = repo.observe("hosts.replace_blocks.current", func() error {
		rows, e := tx.Query(ctx, `
			SELECT command_type FROM host_command_blocks
			WHERE host_id = $1
			ORDER BY command_type ASC
		`, hostID)

		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var cmd string
			if scanErr := rows.Scan(&cmd); scanErr != nil {
				return scanErr
			}
			current = append(current, cmd)
		}

		return rows.Err()
	})

	if err != nil {
		return
	}

	err = tx.Commit(ctx)
	return
}

// DeleteBlock removes one (host, command) block and returns how many rows
// went away (0 when the block did not exist).
func (repo *HostsRepo) DeleteBlock(ctx context.Context, hostID string, cmd job.CommandType) (int64, error) {
	var exists bool
	var err error

	err = repo.observe("hosts.delete_block.exists", func() error {
		return repo.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM hosts WHERE id = $1)`, hostID).Scan(&exists)
	})

	if err != nil {
		return 0, err
	}

	if !exists {
		return 0, host.ErrNotFound
	}

	var deleted int64

	err = repo.observe("hosts.delete_block", func() error {
		tag, e := repo.pool.Exec(ctx, `
			DELETE FROM host_command_blocks
			WHERE host_id = $1 AND command_type = $2
		`, hostID, string(cmd))

		if e != nil {
			return e
		}

		deleted = tag.RowsAffected()
		return nil
	})

	return deleted, err
}

func (repo *HostsRepo) GetByID(ctx context.Context, id string) (host.Host, error) {
	var h host.Host
	var err error

	err = repo.observe("hosts.get_by_id", func() error {
		return repo.pool.QueryRow(ctx, `
			SELECT id, hostname, metadata FROM hosts WHERE id = $1
		`, id).Scan(&h.ID, &h.Hostname, &h.Metadata)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return host.Host{}, host.ErrNotFound
		}
		return host.Host{}, err
	}

	return h, nil
}
