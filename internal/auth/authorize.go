package auth

// Principal is a user together with the permissions its roles grant.
type Principal struct {
	User        User
	Permissions PermissionSet
}

// NewPrincipal resolves the effective permissions of user against catalog.
func NewPrincipal(user User, catalog Catalog) Principal {
	return Principal{User: user, Permissions: EffectivePermissions(user, catalog)}
}

// EffectivePermissions is the union of the permissions of every role the
// user holds. Role names missing from the catalog contribute nothing.
func EffectivePermissions(user User, catalog Catalog) PermissionSet {
	set := make(PermissionSet)
	for _, name := range user.Roles {
		if perms, ok := catalog[name]; ok {
			set.Union(perms)
		}
	}
	return set
}

// HasPermission reports whether the principal holds p. Inactive users hold nothing.
func (p Principal) HasPermission(perm Permission) bool {
	if !p.User.Active() {
		return false
	}
	return p.Permissions.Has(perm)
}

// HasServiceAccess reports whether the principal may use service at all.
func (p Principal) HasServiceAccess(service string) bool {
	return p.HasPermission(Access(service)) || p.HasPermission(Manage(service))
}

// AccessibleServices lists the downstream services the principal can reach.
func (p Principal) AccessibleServices() []string {
	out := make([]string, 0, len(DownstreamServices))
	for _, svc := range DownstreamServices {
		if p.HasServiceAccess(svc) {
			out = append(out, svc)
		}
	}
	return out
}
