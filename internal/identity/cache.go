// Package identity resolves author handles to directory identities.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"go.uber.org/zap"
)

// Lookup resolves one normalized handle upstream. Unknown handles resolve to a zero identity.
type Lookup interface {
	LookupUser(ctx context.Context, login string) (model.Identity, error)
}

// Directory is an optional persistent handle store consulted before the upstream.
type Directory interface {
	GetIdentity(ctx context.Context, handle string) (model.Identity, bool, error)
	PutIdentity(ctx context.Context, handle string, identity model.Identity) error
}

// Normalize rewrites a handle into the form the upstream user endpoint accepts.
// Underscores are not valid in upstream logins and are replaced with hyphens.
func Normalize(handle string) string {
	return strings.ReplaceAll(strings.TrimSpace(handle), "_", "-")
}

// Cache memoizes identities for the lifetime of one sync or webhook invocation.
// It is not safe for concurrent use.
type Cache struct {
	lookup    Lookup
	directory Directory
	logger    *zap.Logger
	entries   map[string]model.Identity
	lookups   int
}

// NewCache creates an empty cache. directory may be nil.
func NewCache(lookup Lookup, directory Directory, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		lookup:    lookup,
		directory: directory,
		logger:    logger,
		entries:   make(map[string]model.Identity),
	}
}

// Resolve returns the identity for handle, calling the upstream at most once per distinct
// normalized handle. The sentinel and empty handles are never looked up.
func (c *Cache) Resolve(ctx context.Context, handle string) (model.Identity, error) {
	key := Normalize(handle)
	if key == "" || key == model.UnknownAuthor {
		return model.Identity{}, nil
	}
	if identity, ok := c.entries[key]; ok {
		return identity, nil
	}

	if c.directory != nil {
		identity, found, err := c.directory.GetIdentity(ctx, key)
		if err != nil {
			c.logger.Warn("identity directory read failed", zap.String("handle", key), zap.Error(err))
		} else if found {
			c.entries[key] = identity
			return identity, nil
		}
	}

	if c.lookup == nil {
		c.entries[key] = model.Identity{}
		return model.Identity{}, nil
	}

	c.lookups++
	identity, err := c.lookup.LookupUser(ctx, key)
	if err != nil {
		return model.Identity{}, fmt.Errorf("resolve identity %s: %w", key, err)
	}
	c.entries[key] = identity

	if c.directory != nil && !identity.IsZero() {
		if err := c.directory.PutIdentity(ctx, key, identity); err != nil {
			c.logger.Warn("identity directory write failed", zap.String("handle", key), zap.Error(err))
		}
	}
	return identity, nil
}

// Lookups reports how many upstream lookups this cache performed.
func (c *Cache) Lookups() int {
	return c.lookups
}
