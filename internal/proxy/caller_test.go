package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssoportal.id/internal/auth"
)

type seen struct {
	method, path, query, body string
	header                    http.Header
}

func downstream(t *testing.T, status int, reply string) (*httptest.Server, *seen) {
	t.Helper()
	got := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method, got.path, got.query, got.body = r.Method, r.URL.Path, r.URL.RawQuery, string(b)
		got.header = r.Header.Clone()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func op(t *testing.T, service, name string) Operation {
	t.Helper()
	o, ok := DefaultCatalog().Named(service, name)
	require.True(t, ok, "%s.%s", service, name)
	return o
}

func TestHTTPCallerRequestShape(t *testing.T) {
	srv, got := downstream(t, http.StatusOK, `{"ok":true}`)
	c, err := NewHTTPCaller(map[string]Endpoint{auth.ServiceSahbandar: {BaseURL: srv.URL + "/api/"}}, nil)
	require.NoError(t, err)

	ctx := auth.ContextWithMeta(context.Background(), auth.RequestMeta{RequestID: "r-1", UserID: "u-1", SessionID: "s-1"})

	cases := []struct {
		name   string
		op     Operation
		params Params
		method string
		path   string
	}{
		{"list", op(t, "sahbandar", "list"), Params{Query: url.Values{"status": {"pending"}}}, http.MethodGet, "/api/vessel_clearances"},
		{"get", op(t, "sahbandar", "get"), Params{ID: "42"}, http.MethodGet, "/api/vessel_clearances/42"},
		{"create", op(t, "sahbandar", "create_clearance"), Params{Body: json.RawMessage(`{"vessel":"KM A"}`)}, http.MethodPost, "/api/vessel_clearances"},
		{"update status", op(t, "sahbandar", "update_clearance_status"), Params{ID: "42", Body: json.RawMessage(`{"status":"approved"}`)}, http.MethodPut, "/api/vessel_clearances/42/status"},
		{"sync", op(t, "sahbandar", "sync"), Params{}, http.MethodPost, "/api/sync"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := c.Call(ctx, tc.op, tc.params)
			require.NoError(t, err)
			assert.JSONEq(t, `{"ok":true}`, string(data))
			assert.Equal(t, tc.method, got.method)
			assert.Equal(t, tc.path, got.path)
			assert.Equal(t, string(tc.params.Body), got.body)
			assert.Equal(t, "r-1", got.header.Get("X-Request-ID"))
			assert.Equal(t, "u-1", got.header.Get("X-SSO-User"))
			assert.Equal(t, "s-1", got.header.Get("X-SSO-Session"))
		})
	}
	assert.Empty(t, got.header.Get("Authorization"))
}

func TestHTTPCallerErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		reply  string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"error":"no such clearance"}`, ErrNotFound},
		{"server error", http.StatusInternalServerError, `db exploded`, ErrDownstream},
		{"bad json", http.StatusOK, `<html>`, ErrDownstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := downstream(t, tc.status, tc.reply)
			c, err := NewHTTPCaller(map[string]Endpoint{auth.ServiceSPB: {BaseURL: srv.URL}}, nil)
			require.NoError(t, err)
			_, err = c.Call(context.Background(), op(t, "spb", "get"), Params{ID: "1"})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	srv, _ := downstream(t, http.StatusInternalServerError, "db exploded")
	c, err := NewHTTPCaller(map[string]Endpoint{auth.ServiceSPB: {BaseURL: srv.URL}}, nil)
	require.NoError(t, err)
	_, err = c.Call(context.Background(), op(t, "spb", "list"), Params{})
	var de *DownstreamError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
	assert.Equal(t, "db exploded", de.Body)
}

func TestHTTPCallerTimeoutAndUnknownService(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	c, err := NewHTTPCaller(map[string]Endpoint{auth.ServiceEPIT: {BaseURL: slow.URL, Timeout: 50 * time.Millisecond}}, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), op(t, "epit", "list"), Params{})
	assert.ErrorIs(t, err, ErrDownstream)

	_, err = c.Call(context.Background(), op(t, "shti", "list"), Params{})
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = c.Call(context.Background(), op(t, "epit", "get"), Params{})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestDefaultCatalogRoutes(t *testing.T) {
	cat := DefaultCatalog()
	for _, svc := range auth.DownstreamServices {
		ops := cat.Operations(svc)
		assert.Len(t, ops, 5, svc)
		for _, o := range ops {
			assert.True(t, o.Permission().Valid())
			assert.True(t, o.Action.Valid(), "%s.%s", svc, o.Name)
		}
	}

	o, ok := cat.Route("sahbandar", "vessel_clearances", "", KindCreate)
	require.True(t, ok)
	assert.Equal(t, auth.Manage("sahbandar"), o.Permission())
	assert.Equal(t, "create_clearance", string(o.Action))

	_, ok = cat.Route("sahbandar", "spb_documents", "", KindList)
	assert.False(t, ok)
	_, ok = cat.Route("sahbandar", "vessel_clearances", "", KindUpdate)
	assert.False(t, ok)
}
