package proxy

import (
	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
)

// Kind is the shape of a downstream call.
type Kind string

const (
	KindList   Kind = "list"
	KindGet    Kind = "get"
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
)

// Operation describes one callable downstream endpoint.
type Operation struct {
	Name     string
	Service  string
	Kind     Kind
	Resource string
	// Suffix is appended after the id, e.g. "status".
	Suffix string
	Verb   auth.Verb
	// Params is the allow-list of query parameters forwarded downstream.
	Params []string
	Action audit.Action
}

// Permission is the permission required to run the operation.
func (o Operation) Permission() auth.Permission {
	return auth.Permission{Verb: o.Verb, Service: o.Service}
}

// Allows reports whether the query parameter may be forwarded.
func (o Operation) Allows(param string) bool {
	for _, p := range o.Params {
		if p == param {
			return true
		}
	}
	return false
}

type routeKey struct {
	service, resource, suffix string
	kind                      Kind
}

// Catalog indexes operations by route and by name.
type Catalog struct {
	byRoute map[routeKey]Operation
	byName  map[string]Operation
}

func NewCatalog(ops ...Operation) *Catalog {
	c := &Catalog{byRoute: make(map[routeKey]Operation, len(ops)), byName: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		c.byRoute[routeKey{op.Service, op.Resource, op.Suffix, op.Kind}] = op
		c.byName[op.Service+"."+op.Name] = op
	}
	return c
}

// Route finds the operation for a resource path shape.
func (c *Catalog) Route(service, resource, suffix string, kind Kind) (Operation, bool) {
	op, ok := c.byRoute[routeKey{service, resource, suffix, kind}]
	return op, ok
}

// Named finds an operation by service and name.
func (c *Catalog) Named(service, name string) (Operation, bool) {
	op, ok := c.byName[service+"."+name]
	return op, ok
}

// Operations lists every operation of service.
func (c *Catalog) Operations(service string) []Operation {
	var out []Operation
	for _, op := range c.byName {
		if op.Service == service {
			out = append(out, op)
		}
	}
	return out
}

var listParams = []string{"status", "page", "per_page", "search", "date_from", "date_to"}

func crud(service, resource string, extra ...string) []Operation {
	params := append(append([]string{}, listParams...), extra...)
	return []Operation{
		{Name: "list", Service: service, Kind: KindList, Resource: resource, Verb: auth.VerbAccess, Params: params, Action: audit.ActionAccessService},
		{Name: "get", Service: service, Kind: KindGet, Resource: resource, Verb: auth.VerbAccess, Action: audit.ActionAccessService},
		{Name: "create", Service: service, Kind: KindCreate, Resource: resource, Verb: auth.VerbManage, Action: audit.ActionCreateRecord},
		{Name: "update", Service: service, Kind: KindUpdate, Resource: resource, Verb: auth.VerbManage, Action: audit.ActionUpdateRecord},
		{Name: "sync", Service: service, Kind: KindCreate, Resource: "sync", Verb: auth.VerbManage, Params: []string{"since"}, Action: audit.ActionDataSync},
	}
}

// DefaultCatalog is the operation set of the four port services.
func DefaultCatalog() *Catalog {
	var ops []Operation

	sahbandar := crud(auth.ServiceSahbandar, "vessel_clearances", "port", "vessel_name")
	sahbandar[2].Name, sahbandar[2].Action = "create_clearance", audit.ActionCreateClearance
	sahbandar[3] = Operation{
		Name: "update_clearance_status", Service: auth.ServiceSahbandar, Kind: KindUpdate,
		Resource: "vessel_clearances", Suffix: "status", Verb: auth.VerbManage,
		Action: audit.ActionUpdateClearanceStatus,
	}
	ops = append(ops, sahbandar...)
	ops = append(ops, crud(auth.ServiceSPB, "spb_documents", "vessel_name")...)
	ops = append(ops, crud(auth.ServiceSHTI, "shti_certificates", "commodity")...)
	ops = append(ops, crud(auth.ServiceEPIT, "epit_manifests", "voyage")...)
	return NewCatalog(ops...)
}
