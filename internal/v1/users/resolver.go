// Package users resolves user ids to display names for outbound
// envelopes. Lookups hit an in-process LRU before the database; the
// mapping is effectively immutable for the lifetime of a session, so a
// small cache absorbs nearly all of the hot-path traffic.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r3almx/realtime/internal/v1/store"
	"github.com/r3almx/realtime/internal/v1/types"
)

// defaultCacheSize bounds the resolver cache. Each entry is a short
// string; memory is not the constraint, staleness after a rename is.
const defaultCacheSize = 4096

// Directory is the durable source of user records.
type Directory interface {
	UserByID(ctx context.Context, id types.UserID) (store.User, error)
}

// Resolver caches id→username lookups over a Directory.
type Resolver struct {
	dir   Directory
	cache *lru.Cache[types.UserID, string]
}

// NewResolver creates a Resolver. size <= 0 uses the default.
func NewResolver(dir Directory, size int) (*Resolver, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[types.UserID, string](size)
	if err != nil {
		return nil, fmt.Errorf("create username cache: %w", err)
	}
	return &Resolver{dir: dir, cache: cache}, nil
}

// Username returns the display name for a user id. Unknown users fall
// back to the raw id so an envelope can always be built; only real
// lookup failures surface as errors.
func (r *Resolver) Username(ctx context.Context, id types.UserID) (string, error) {
	if name, ok := r.cache.Get(id); ok {
		return name, nil
	}

	u, err := r.dir.UserByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return string(id), nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve username for %s: %w", id, err)
	}

	r.cache.Add(id, u.Username)
	return u.Username, nil
}

// Forget drops a cached name, e.g. after a profile rename.
func (r *Resolver) Forget(id types.UserID) {
	r.cache.Remove(id)
}
