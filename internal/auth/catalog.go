package auth

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// Catalog maps role names to the permissions they grant.
type Catalog map[string]PermissionSet

// BuiltinCatalog returns the catalog for BuiltinRoles.
func BuiltinCatalog() Catalog {
	return CatalogFromRoles(BuiltinRoles)
}

// CatalogFromRoles flattens roles into a lookup table.
func CatalogFromRoles(roles []Role) Catalog {
	c := make(Catalog, len(roles))
	for _, r := range roles {
		set := c[r.Name]
		if set == nil {
			set = make(PermissionSet, len(r.Permissions))
			c[r.Name] = set
		}
		for _, p := range r.Permissions {
			set[p] = struct{}{}
		}
	}
	return c
}

// RoleSource loads role definitions from storage.
type RoleSource interface {
	ListRoles(ctx context.Context) ([]Role, error)
	UpsertRole(ctx context.Context, role Role) error
}

const catalogCacheKey = "catalog"

// CachedCatalog serves the role catalog from memory and refreshes it from
// the source once the TTL lapses.
type CachedCatalog struct {
	source RoleSource
	cache  *cache.Cache
}

func NewCachedCatalog(source RoleSource, ttl time.Duration) (*CachedCatalog, error) {
	if source == nil {
		return nil, errors.New("role source is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{source: source, cache: cache.New(ttl, 2*ttl)}, nil
}

// Catalog returns the current role catalog.
func (c *CachedCatalog) Catalog(ctx context.Context) (Catalog, error) {
	if v, ok := c.cache.Get(catalogCacheKey); ok {
		return v.(Catalog), nil
	}
	roles, err := c.source.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	cat := CatalogFromRoles(roles)
	c.cache.SetDefault(catalogCacheKey, cat)
	return cat, nil
}

// Invalidate drops the cached catalog.
func (c *CachedCatalog) Invalidate() {
	c.cache.Delete(catalogCacheKey)
}

// KnownRole reports whether name exists in the current catalog.
func (c *CachedCatalog) KnownRole(ctx context.Context, name string) (bool, error) {
	cat, err := c.Catalog(ctx)
	if err != nil {
		return false, err
	}
	_, ok := cat[name]
	return ok, nil
}

// Provision writes the built-in roles to the source.
func (c *CachedCatalog) Provision(ctx context.Context) error {
	for _, r := range BuiltinRoles {
		if err := c.source.UpsertRole(ctx, r); err != nil {
			return err
		}
	}
	c.Invalidate()
	return nil
}
