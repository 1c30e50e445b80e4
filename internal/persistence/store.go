package persistence

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by MustGet when a required entity is absent.
var ErrNotFound = errors.New("entity not found")

// ErrEncode is returned when an entity cannot be serialized.
var ErrEncode = errors.New("entity not encodable")

// Entity is a flat, independently keyed record. Cross-references between
// entities are by id only.
type Entity interface {
	EntityKind() string
	EntityID() string
}

// Store is the generic key-value object store every ledger entity lives in.
// Load decodes the stored record into out and reports whether it existed.
type Store interface {
	Load(ctx context.Context, kind, id string, out Entity) (bool, error)
	Save(ctx context.Context, e Entity) error
}

// BatchSaver is implemented by stores that can write many entities
// atomically.
type BatchSaver interface {
	SaveBatch(ctx context.Context, entities []Entity) error
}

// EntityPtr constrains P to be a pointer to T implementing Entity.
type EntityPtr[T any] interface {
	*T
	Entity
}

// Get loads the entity with id, returning nil when it does not exist.
func Get[T any, P EntityPtr[T]](ctx context.Context, s Store, id string) (P, error) {
	var v T
	p := P(&v)
	found, err := s.Load(ctx, p.EntityKind(), id, p)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", p.EntityKind(), id, err)
	}
	if !found {
		return nil, nil
	}
	return p, nil
}

// MustGet loads an entity that is required to exist.
func MustGet[T any, P EntityPtr[T]](ctx context.Context, s Store, id string) (P, error) {
	p, err := Get[T, P](ctx, s, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		var v T
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, P(&v).EntityKind(), id)
	}
	return p, nil
}

// GetOrCreate loads the entity with id or, when absent, builds it with
// factory and saves it. created reports which path was taken.
func GetOrCreate[T any, P EntityPtr[T]](ctx context.Context, s Store, id string, factory func() P) (p P, created bool, err error) {
	p, err = Get[T, P](ctx, s, id)
	if err != nil || p != nil {
		return p, false, err
	}
	p = factory()
	if p.EntityID() != id {
		return nil, false, fmt.Errorf("factory built %s %q, want %q", p.EntityKind(), p.EntityID(), id)
	}
	if err := s.Save(ctx, p); err != nil {
		return nil, false, fmt.Errorf("save %s %s: %w", p.EntityKind(), id, err)
	}
	return p, true, nil
}

func entityKey(kind, id string) string {
	return kind + ":" + id
}
