//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bararchive/creator/pkg/index"
)

// setupTestDB starts a real postgres container, migrates it, and returns a
// ready DB. Grounded on the teacher's
// pkg/compliance/storage/postgres/testutils.go container setup.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("bar_index_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, Config{
		ConnectionString: connStr,
		MigrationsPath:   "file://migrations",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(ctx) })
	return db
}

func TestEntityLifecycleCreateUpdatePrune(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureUUID(ctx, "job-1"))
	entityID, err := db.CreateEntity(ctx, "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, entityID)

	storageID, err := db.CreateStorage(ctx, index.StorageRow{
		EntityID: entityID,
		UUID:     "job-1",
		Name:     "nightly-0001",
		Size:     1024,
		State:    index.StateOK,
	})
	require.NoError(t, err)

	require.NoError(t, db.UpdateStorageState(ctx, storageID, index.StateOK, 2048))
	require.NoError(t, db.UpdateEntityAggregate(ctx, entityID))
	require.NoError(t, db.UnlockEntity(ctx, entityID))

	found, err := db.FindStorageByName(ctx, "job-1", "", "nightly-0001")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, int64(2048), found.Size)

	require.NoError(t, db.PurgeStorage(ctx, storageID))
	require.NoError(t, db.PruneEntityIfEmpty(ctx, entityID))

	// FindStorageByName reports "not found" as an error (no row to scan,
	// the pgx QueryRow convention), not a nil *StorageRow with nil error;
	// pkg/dispatch's append-mode check treats any error the same as "no
	// existing row" for exactly this reason.
	_, err = db.FindStorageByName(ctx, "job-1", "", "nightly-0001")
	require.Error(t, err)
}

func TestOldestPrunableOrdersByCreatedAt(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureUUID(ctx, "job-2"))
	entityID, err := db.CreateEntity(ctx, "job-2")
	require.NoError(t, err)

	firstID, err := db.CreateStorage(ctx, index.StorageRow{
		EntityID: entityID, UUID: "job-2", Name: "first", Size: 10, State: index.StateOK,
	})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = db.CreateStorage(ctx, index.StorageRow{
		EntityID: entityID, UUID: "job-2", Name: "second", Size: 20, State: index.StateOK,
	})
	require.NoError(t, err)

	row, err := db.OldestPrunable(ctx, "job-2", []index.State{index.StateOK})
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, firstID, row.ID)
}
