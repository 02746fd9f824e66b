package activitysync

import (
	"context"

	"github.com/tyemirov/stravasync/internal/activities"
	"github.com/tyemirov/stravasync/internal/normalize"
)

// ActivityStore is the persistence the orchestrator writes through.
type ActivityStore interface {
	GetByID(ctx context.Context, activityID int64) (activities.Activity, error)
	Create(ctx context.Context, activity activities.Activity) (activities.Activity, error)
	Update(ctx context.Context, activityID int64, activity activities.Activity) (int64, error)
	Upsert(ctx context.Context, activity activities.Activity) (bool, activities.Activity, error)
}

// Batch exposes the repositories of one open transaction.
type Batch interface {
	// Activities returns the activities of owner.
	Activities(owner string) ActivityStore
	Types() normalize.TypeRegistry
	// Savepoint undoes fn's writes when it fails or panics, leaving the batch usable.
	Savepoint(fn func() error) error
}

// Transactor commits a batch when fn succeeds and rolls it back otherwise.
type Transactor interface {
	Execute(ctx context.Context, fn func(batch Batch) error) error
}

// NewDatabaseTransactor adapts an activities unit of work.
func NewDatabaseTransactor(unit *activities.UnitOfWork) Transactor {
	return databaseTransactor{unit: unit}
}

type databaseTransactor struct {
	unit *activities.UnitOfWork
}

func (transactor databaseTransactor) Execute(ctx context.Context, fn func(batch Batch) error) error {
	return transactor.unit.Execute(ctx, func(tx *activities.Tx) error {
		return fn(databaseBatch{tx: tx})
	})
}

type databaseBatch struct {
	tx *activities.Tx
}

func (batch databaseBatch) Activities(owner string) ActivityStore {
	return batch.tx.Activities().ForUser(owner)
}

func (batch databaseBatch) Types() normalize.TypeRegistry {
	return batch.tx.Types()
}

func (batch databaseBatch) Savepoint(fn func() error) error {
	return batch.tx.Savepoint(fn)
}
