package tokens

import "context"

// Store persists token records; it is the durable source of truth.
type Store interface {
	Load(ctx context.Context, userID string) (Record, error)
	Save(ctx context.Context, record Record) error
	Delete(ctx context.Context, userID string) error
}

// SessionCache mirrors token records to skip a store read on every request.
type SessionCache interface {
	Get(ctx context.Context, userID string) (Record, error)
	Set(ctx context.Context, record Record) error
	Clear(ctx context.Context, userID string) error
}
