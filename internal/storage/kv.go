package storage

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by KV.Get for a missing slot.
var ErrKeyNotFound = errors.New("key not found")

// Slot names in the local key-value store.
const (
	DatabaseSlot = "pos_database"
	SessionSlot  = "pos_current_user"
)

// KV is the local persistent key-value storage holding the durability and
// session slots.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
