package activities

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// UnitOfWork runs a batch of activity writes inside one database transaction.
type UnitOfWork struct {
	db *gorm.DB
}

// NewUnitOfWork binds a unit of work to db.
func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

// Tx exposes the repositories bound to one open transaction.
type Tx struct {
	db         *gorm.DB
	activities *Store
	types      *TypeRegistry
	savepoints int
}

// Activities returns the activity store bound to the transaction.
func (tx *Tx) Activities() *Store {
	return tx.activities
}

// Types returns the type registry bound to the transaction.
func (tx *Tx) Types() *TypeRegistry {
	return tx.types
}

// Savepoint runs fn so that its writes are undone, and the transaction stays usable,
// when fn returns an error or panics. Panics are re-raised after the rollback.
func (tx *Tx) Savepoint(fn func() error) error {
	tx.savepoints++
	name := fmt.Sprintf("activity_item_%d", tx.savepoints)
	if err := tx.db.SavePoint(name).Error; err != nil {
		return fmt.Errorf("activity_store.savepoint: %w", err)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			tx.db.RollbackTo(name)
			panic(recovered)
		}
	}()

	if err := fn(); err != nil {
		if rollbackErr := tx.db.RollbackTo(name).Error; rollbackErr != nil {
			return fmt.Errorf("activity_store.rollback_to: %w: %w", err, rollbackErr)
		}
		return err
	}
	return nil
}

// Execute commits when fn returns nil and rolls back on an error or a panic.
func (unit *UnitOfWork) Execute(ctx context.Context, fn func(tx *Tx) error) error {
	transaction := unit.db.WithContext(ctx).Begin()
	if transaction.Error != nil {
		return fmt.Errorf("activity_store.begin: %w", transaction.Error)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			transaction.Rollback()
			panic(recovered)
		}
	}()

	tx := &Tx{
		db:         transaction,
		activities: NewStore(transaction),
		types:      NewTypeRegistry(transaction),
	}
	if err := fn(tx); err != nil {
		if rollbackErr := transaction.Rollback().Error; rollbackErr != nil {
			return fmt.Errorf("activity_store.rollback: %w: %w", err, rollbackErr)
		}
		return err
	}
	if err := transaction.Commit().Error; err != nil {
		return fmt.Errorf("activity_store.commit: %w", err)
	}
	return nil
}
