package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/identity"
)

var (
	// ErrElementNotFound is returned when updating or deleting an element
	// that is not in the record.
	ErrElementNotFound = errors.New("element not found")

	// ErrDuplicateElement is returned when adding an element whose ID is
	// already in the record.
	ErrDuplicateElement = errors.New("element already exists")
)

// Collection is a cache of records that are lists of elements identified by
// a string ID.
type Collection[E any] struct {
	*Cache[[]E]
	id func(E) string
}

// NewCollection creates a collection cache. Empty defaults to an empty list
// and IsEmpty to a zero length check.
func NewCollection[E any](cfg Config[[]E], id func(E) string) (*Collection[E], error) {
	if id == nil {
		return nil, fmt.Errorf("cache %s: element id function is required", cfg.Name)
	}
	if cfg.Empty == nil {
		cfg.Empty = func() []E { return []E{} }
	}
	if cfg.IsEmpty == nil {
		cfg.IsEmpty = func(r []E) bool { return len(r) == 0 }
	}
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Collection[E]{Cache: c, id: id}, nil
}

func (c *Collection[E]) index(list []E, id string) int {
	return slices.IndexFunc(list, func(e E) bool { return c.id(e) == id })
}

// Find returns the element with the given ID.
func (c *Collection[E]) Find(ctx context.Context, id identity.Identity, key replicache.Key, elementID string) (E, bool, error) {
	list, err := c.Get(ctx, id, key)
	if err != nil {
		var zero E
		return zero, false, err
	}
	if i := c.index(list, elementID); i >= 0 {
		return list[i], true, nil
	}
	var zero E
	return zero, false, nil
}

// Add appends elem to the record at key.
func (c *Collection[E]) Add(ctx context.Context, id identity.Identity, key replicache.Key, elem E) ([]E, error) {
	return c.Mutate(ctx, id, key, func(list []E) ([]E, error) {
		if c.index(list, c.id(elem)) >= 0 {
			return nil, fmt.Errorf("adding %q to %s: %w", c.id(elem), key, ErrDuplicateElement)
		}
		return append(list, elem), nil
	})
}

// Update replaces the element with the same ID as elem.
func (c *Collection[E]) Update(ctx context.Context, id identity.Identity, key replicache.Key, elem E) ([]E, error) {
	return c.Mutate(ctx, id, key, func(list []E) ([]E, error) {
		i := c.index(list, c.id(elem))
		if i < 0 {
			return nil, fmt.Errorf("updating %q in %s: %w", c.id(elem), key, ErrElementNotFound)
		}
		list[i] = elem
		return list, nil
	})
}

// Delete removes the element with the given ID.
func (c *Collection[E]) Delete(ctx context.Context, id identity.Identity, key replicache.Key, elementID string) ([]E, error) {
	return c.Mutate(ctx, id, key, func(list []E) ([]E, error) {
		i := c.index(list, elementID)
		if i < 0 {
			return nil, fmt.Errorf("deleting %q from %s: %w", elementID, key, ErrElementNotFound)
		}
		return slices.Delete(list, i, i+1), nil
	})
}
