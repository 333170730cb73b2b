package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Verb is the capability half of a permission.
type Verb string

const (
	VerbAccess Verb = "access"
	VerbManage Verb = "manage"
)

// Downstream services plus the portal itself ("system").
const (
	ServiceSahbandar = "sahbandar"
	ServiceSPB       = "spb"
	ServiceSHTI      = "shti"
	ServiceEPIT      = "epit"
	ServiceSystem    = "system"
)

// DownstreamServices is the closed set of services the portal proxies to.
var DownstreamServices = []string{ServiceSahbandar, ServiceSPB, ServiceSHTI, ServiceEPIT}

// IsDownstreamService reports whether name is one of DownstreamServices.
func IsDownstreamService(name string) bool {
	for _, s := range DownstreamServices {
		if s == name {
			return true
		}
	}
	return false
}

// Permission is an atomic capability: a verb applied to one service.
// Comparison is structural; permissions are never matched by substring.
type Permission struct {
	Verb    Verb
	Service string
}

// Access and Manage build the two permissions that exist for a service.
func Access(service string) Permission { return Permission{Verb: VerbAccess, Service: service} }
func Manage(service string) Permission { return Permission{Verb: VerbManage, Service: service} }

// String renders the canonical "<verb> <service>" form.
func (p Permission) String() string {
	return string(p.Verb) + " " + p.Service
}

// Valid reports whether both halves belong to the closed vocabularies.
func (p Permission) Valid() bool {
	if p.Verb != VerbAccess && p.Verb != VerbManage {
		return false
	}
	return p.Service == ServiceSystem || IsDownstreamService(p.Service)
}

// ParsePermission parses the canonical "<verb> <service>" form.
func ParsePermission(raw string) (Permission, error) {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) != 2 {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, raw)
	}
	p := Permission{Verb: Verb(fields[0]), Service: fields[1]}
	if !p.Valid() {
		return Permission{}, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, raw)
	}
	return p, nil
}

// MustParsePermission is ParsePermission for package-level tables.
func MustParsePermission(raw string) Permission {
	p, err := ParsePermission(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// PermissionSet is an unordered, deduplicated set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Union adds every member of other to s.
func (s PermissionSet) Union(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Strings returns the canonical forms sorted for stable output.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// Built-in role names.
const (
	RoleSahbandar  = "sahbandar"
	RoleSPB        = "spb"
	RoleSHTI       = "shti"
	RoleEPIT       = "epit"
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super-admin"
)

// BuiltinRoles is provisioned once; operators may edit roles afterwards.
var BuiltinRoles = builtinRoles()

func builtinRoles() []Role {
	var everyAccess, everyManage []Permission
	for _, svc := range DownstreamServices {
		everyAccess = append(everyAccess, Access(svc))
		everyManage = append(everyManage, Manage(svc))
	}
	all := append(append([]Permission{}, everyAccess...), everyManage...)
	all = append(all, Access(ServiceSystem), Manage(ServiceSystem))

	return []Role{
		{Name: RoleSahbandar, Description: "Sahbandar officer", Permissions: []Permission{Access(ServiceSahbandar), Manage(ServiceSahbandar)}},
		{Name: RoleSPB, Description: "SPB officer", Permissions: []Permission{Access(ServiceSPB), Manage(ServiceSPB)}},
		{Name: RoleSHTI, Description: "SHTI officer", Permissions: []Permission{Access(ServiceSHTI), Manage(ServiceSHTI)}},
		{Name: RoleEPIT, Description: "EPIT officer", Permissions: []Permission{Access(ServiceEPIT), Manage(ServiceEPIT)}},
		{Name: RoleUser, Description: "Read-only portal user", Permissions: everyAccess},
		{Name: RoleAdmin, Description: "Portal administrator", Permissions: append(append([]Permission{}, everyManage...), Access(ServiceSystem), Manage(ServiceSystem))},
		{Name: RoleSuperAdmin, Description: "Unrestricted", Permissions: all},
	}
}
