// Package index defines the index-DB contract the storage dispatcher
// drives (spec.md §4.4 step 8, §4.5 steps 2/6/11): UUID rows (one per job
// UUID), entity rows (one per run), and storage rows (one per dispatched
// archive name), plus the assign/prune/purge operations the dispatcher's
// append-mode reassignment and retention pruning need.
package index

import (
	"context"
	"time"
)

// State is a storage row's lifecycle state (spec.md §4.4 step 5: "whose
// state is OK/update-requested/error").
type State string

const (
	StateOK              State = "OK"
	StateUpdateRequested State = "UPDATE_REQUESTED"
	StateError           State = "ERROR"
)

// StorageRow is one indexed archive name.
type StorageRow struct {
	ID            string
	EntityID      string
	UUID          string
	Dir           string
	Name          string
	Size          int64
	State         State
	CreatedAt     time.Time
	LastCheckedAt time.Time
}

// Index is implemented by the index-DB backend the run controller opens
// at spec.md §4.5 step 2. A nil Index means indexing is disabled; callers
// (pkg/dispatch) treat that as "skip step 8 entirely".
type Index interface {
	// EnsureUUID creates the UUID row if absent (spec.md §4.5 step 6:
	// "ensure the UUID row exists").
	EnsureUUID(ctx context.Context, uuid string) error

	// CreateEntity creates a new, locked entity row under uuid (spec.md
	// §4.5 step 6: "create a new entity row, locked").
	CreateEntity(ctx context.Context, uuid string) (entityID string, err error)

	// UnlockEntity releases the entity lock (spec.md §4.5 step 11).
	UnlockEntity(ctx context.Context, entityID string) error

	// DeleteEntity removes the entity and all of its storage rows (spec.md
	// §4.5 step 11: "if failError != none or dry-run or aborted, delete
	// entity").
	DeleteEntity(ctx context.Context, entityID string) error

	// PruneEntityIfEmpty removes entityID if it has no storage rows
	// (spec.md §4.5 step 11: "else prune if empty", and §4.4 step 8:
	// "prune entity/uuid if empty").
	PruneEntityIfEmpty(ctx context.Context, entityID string) error

	// UpdateEntityAggregate recomputes entityID's aggregate size from its
	// current storage rows (spec.md §4.5 step 11, §4.4 step 8).
	UpdateEntityAggregate(ctx context.Context, entityID string) error

	// FindStorageByName looks up an existing indexed storage row by
	// (uuid, dir, name), used by append-mode's "existing storage with the
	// same name" check (spec.md §4.4 step 8).
	FindStorageByName(ctx context.Context, uuid, dir, name string) (*StorageRow, error)

	// CreateStorage inserts a new storage row, returning its ID.
	CreateStorage(ctx context.Context, row StorageRow) (string, error)

	// AssignEntity reassigns storageID's entity to entityID (spec.md §4.4
	// step 8: "assign the newly-indexed entries to that existing storage
	// row" / "reassign the new storage's entity to them").
	AssignEntity(ctx context.Context, storageID, entityID string) error

	// PurgeStorage deletes a storage row outright (spec.md §4.4 step 8:
	// "purge the now-empty new-storage row" / "purge any other rows with
	// the same name"; step 5: "purges its index row" during pruning).
	PurgeStorage(ctx context.Context, storageID string) error

	// SiblingStorages lists storage rows in the same directory under the
	// same UUID, excluding exceptID (spec.md §4.4 step 8: "in append mode,
	// also search sibling storages in the same directory under the same
	// UUID").
	SiblingStorages(ctx context.Context, uuid, dir, exceptID string) ([]StorageRow, error)

	// OldestPrunable returns the oldest storage row under uuid whose state
	// is one of states, or nil if none remain (spec.md §4.4 step 5:
	// "selects the oldest storage (by createdDateTime) whose state is
	// OK/update-requested/error").
	OldestPrunable(ctx context.Context, uuid string, states []State) (*StorageRow, error)

	// AggregateSize reports the sum of sizes across every storage row
	// currently indexed under uuid (spec.md §4.4 step 5, §8 Scenario 5):
	// pruning compares against the job's actual pre-existing indexed
	// storage total, not against bytes transferred so far this run.
	AggregateSize(ctx context.Context, uuid string) (int64, error)

	// UpdateStorageState sets a storage row's size/state/lastCheckedDateTime
	// (spec.md §4.4 step 8: "update aggregate sizes, set state to OK (or
	// ERROR on failure), set lastCheckedDateTime").
	UpdateStorageState(ctx context.Context, storageID string, state State, size int64) error

	Close(ctx context.Context) error
}
