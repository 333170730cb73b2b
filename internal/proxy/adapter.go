package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/obs"
)

// Auditor appends audit entries.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) (string, error)
}

// Request is an already-authorized downstream call.
type Request struct {
	Operation Operation
	ID        string
	Query     url.Values
	Body      json.RawMessage
}

// Result is what the caller receives on success.
type Result struct {
	Data    json.RawMessage
	Dropped []string
}

// Adapter enforces the parameter allow-list, calls downstream and hides
// failure detail from callers without manage rights on the service.
type Adapter struct {
	caller Caller
	audit  Auditor
	now    func() time.Time
}

func NewAdapter(caller Caller, auditor Auditor) (*Adapter, error) {
	if caller == nil {
		return nil, errors.New("downstream caller is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	return &Adapter{caller: caller, audit: auditor, now: time.Now}, nil
}

// Forward runs req for principal.
func (a *Adapter) Forward(ctx context.Context, principal auth.Principal, req Request) (Result, error) {
	op := req.Operation
	query, dropped := filterQuery(op, req.Query)
	log := obs.From(ctx).With(zap.String("service", op.Service), zap.String("operation", op.Name))
	if len(dropped) > 0 {
		log.Info("dropped query parameters", zap.Strings("params", dropped))
	}

	start := a.now()
	data, err := a.caller.Call(ctx, op, Params{ID: req.ID, Query: query, Body: req.Body})
	elapsed := a.now().Sub(start)

	switch {
	case err == nil:
		obs.ObserveDownstream(op.Service, op.Name, "ok", elapsed)
		return Result{Data: data, Dropped: dropped}, nil
	case errors.Is(err, ErrNotFound):
		obs.ObserveDownstream(op.Service, op.Name, "not_found", elapsed)
		return Result{}, ErrNotFound
	}

	obs.ObserveDownstream(op.Service, op.Name, "error", elapsed)
	log.Error("downstream call failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	detail := map[string]any{
		"operation": op.Name,
		"error":     err.Error(),
	}
	var de *DownstreamError
	if errors.As(err, &de) && de.StatusCode != 0 {
		detail["status_code"] = de.StatusCode
	}
	if _, aerr := a.audit.Record(ctx, audit.Event{
		UserID:      principal.User.ID,
		Action:      op.Action,
		ResourceID:  req.ID,
		Service:     op.Service,
		NewValues:   detail,
		Severity:    audit.SeverityError,
		Description: "downstream call failed",
	}); aerr != nil {
		return Result{}, aerr
	}

	if principal.HasPermission(auth.Manage(op.Service)) {
		if de == nil {
			de = &DownstreamError{Service: op.Service, Operation: op.Name, Err: err}
		}
		return Result{}, de
	}
	return Result{}, ErrDownstream
}

func filterQuery(op Operation, in url.Values) (url.Values, []string) {
	if len(in) == 0 {
		return nil, nil
	}
	out := url.Values{}
	var dropped []string
	for name, values := range in {
		if !op.Allows(name) {
			dropped = append(dropped, name)
			continue
		}
		if len(values) > 0 {
			out.Set(name, values[0])
		}
	}
	sort.Strings(dropped)
	return out, dropped
}
