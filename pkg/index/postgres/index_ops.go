package postgres

import (
	"context"
	"fmt"

	"github.com/bararchive/creator/pkg/index"
)

func (db *DB) EnsureUUID(ctx context.Context, uuid string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO uuids (uuid) VALUES ($1)
		ON CONFLICT (uuid) DO NOTHING`, uuid)
	if err != nil {
		return fmt.Errorf("index/postgres: ensure uuid: %w", err)
	}
	return nil
}

func (db *DB) CreateEntity(ctx context.Context, uuid string) (string, error) {
	var entityID string
	err := db.pool.QueryRow(ctx, `
		INSERT INTO entities (uuid, locked) VALUES ($1, true)
		RETURNING id`, uuid).Scan(&entityID)
	if err != nil {
		return "", fmt.Errorf("index/postgres: create entity: %w", err)
	}
	return entityID, nil
}

func (db *DB) UnlockEntity(ctx context.Context, entityID string) error {
	_, err := db.pool.Exec(ctx, `UPDATE entities SET locked = false WHERE id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("index/postgres: unlock entity: %w", err)
	}
	return nil
}

func (db *DB) DeleteEntity(ctx context.Context, entityID string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM storages WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("index/postgres: delete entity storages: %w", err)
	}
	if _, err := db.pool.Exec(ctx, `DELETE FROM entities WHERE id = $1`, entityID); err != nil {
		return fmt.Errorf("index/postgres: delete entity: %w", err)
	}
	return nil
}

func (db *DB) PruneEntityIfEmpty(ctx context.Context, entityID string) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM entities
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM storages WHERE entity_id = $1)`, entityID)
	if err != nil {
		return fmt.Errorf("index/postgres: prune entity: %w", err)
	}
	return nil
}

func (db *DB) UpdateEntityAggregate(ctx context.Context, entityID string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE entities SET total_size = COALESCE((
			SELECT SUM(size) FROM storages WHERE entity_id = $1
		), 0) WHERE id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("index/postgres: update entity aggregate: %w", err)
	}
	return nil
}

func (db *DB) FindStorageByName(ctx context.Context, uuid, dir, name string) (*index.StorageRow, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, entity_id, uuid, dir, name, size, state, created_at, last_checked_at
		FROM storages WHERE uuid = $1 AND dir = $2 AND name = $3`, uuid, dir, name)
	return scanStorageRow(row)
}

func (db *DB) CreateStorage(ctx context.Context, r index.StorageRow) (string, error) {
	if r.State == "" {
		r.State = index.StateOK
	}
	var id string
	err := db.pool.QueryRow(ctx, `
		INSERT INTO storages (entity_id, uuid, dir, name, size, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`, r.EntityID, r.UUID, r.Dir, r.Name, r.Size, string(r.State)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("index/postgres: create storage: %w", err)
	}
	return id, nil
}

func (db *DB) AssignEntity(ctx context.Context, storageID, entityID string) error {
	_, err := db.pool.Exec(ctx, `UPDATE storages SET entity_id = $2 WHERE id = $1`, storageID, entityID)
	if err != nil {
		return fmt.Errorf("index/postgres: assign entity: %w", err)
	}
	return nil
}

func (db *DB) PurgeStorage(ctx context.Context, storageID string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM storages WHERE id = $1`, storageID)
	if err != nil {
		return fmt.Errorf("index/postgres: purge storage: %w", err)
	}
	return nil
}

func (db *DB) SiblingStorages(ctx context.Context, uuid, dir, exceptID string) ([]index.StorageRow, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, entity_id, uuid, dir, name, size, state, created_at, last_checked_at
		FROM storages WHERE uuid = $1 AND dir = $2 AND id != $3`, uuid, dir, exceptID)
	if err != nil {
		return nil, fmt.Errorf("index/postgres: sibling storages: %w", err)
	}
	defer rows.Close()

	var out []index.StorageRow
	for rows.Next() {
		var r index.StorageRow
		var state string
		if err := rows.Scan(&r.ID, &r.EntityID, &r.UUID, &r.Dir, &r.Name, &r.Size, &state, &r.CreatedAt, &r.LastCheckedAt); err != nil {
			return nil, fmt.Errorf("index/postgres: scanning sibling storage: %w", err)
		}
		r.State = index.State(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) OldestPrunable(ctx context.Context, uuid string, states []index.State) (*index.StorageRow, error) {
	stateStrs := make([]string, len(states))
	for i, s := range states {
		stateStrs[i] = string(s)
	}
	row := db.pool.QueryRow(ctx, `
		SELECT id, entity_id, uuid, dir, name, size, state, created_at, last_checked_at
		FROM storages WHERE uuid = $1 AND state = ANY($2)
		ORDER BY created_at ASC LIMIT 1`, uuid, stateStrs)
	r, err := scanStorageRow(row)
	if err != nil {
		return nil, nil
	}
	return r, nil
}

func (db *DB) AggregateSize(ctx context.Context, uuid string) (int64, error) {
	var total int64
	err := db.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM storages WHERE uuid = $1`, uuid).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("index/postgres: aggregate size: %w", err)
	}
	return total, nil
}

func (db *DB) UpdateStorageState(ctx context.Context, storageID string, state index.State, size int64) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE storages SET state = $2, size = $3, last_checked_at = now() WHERE id = $1`,
		storageID, string(state), size)
	if err != nil {
		return fmt.Errorf("index/postgres: update storage state: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStorageRow(row rowScanner) (*index.StorageRow, error) {
	var r index.StorageRow
	var state string
	err := row.Scan(&r.ID, &r.EntityID, &r.UUID, &r.Dir, &r.Name, &r.Size, &state, &r.CreatedAt, &r.LastCheckedAt)
	if err != nil {
		return nil, err
	}
	r.State = index.State(state)
	return &r, nil
}
