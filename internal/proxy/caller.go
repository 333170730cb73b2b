package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ssoportal.id/internal/auth"
)

const maxDownstreamBody = 4 << 20

// Params are the already-filtered inputs of one call.
type Params struct {
	ID    string
	Query url.Values
	Body  json.RawMessage
}

// Caller performs one downstream call. Implementations make a single
// attempt and never retry.
type Caller interface {
	Call(ctx context.Context, op Operation, p Params) (json.RawMessage, error)
}

// Endpoint is how one service is reached.
type Endpoint struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPCaller speaks JSON over HTTP to the configured services.
type HTTPCaller struct {
	endpoints map[string]Endpoint
	client    *http.Client
}

func NewHTTPCaller(endpoints map[string]Endpoint, client *http.Client) (*HTTPCaller, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no downstream endpoints configured")
	}
	if client == nil {
		client = &http.Client{}
	}
	eps := make(map[string]Endpoint, len(endpoints))
	for name, ep := range endpoints {
		if ep.Timeout <= 0 {
			ep.Timeout = 10 * time.Second
		}
		ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")
		eps[name] = ep
	}
	return &HTTPCaller{endpoints: eps, client: client}, nil
}

func (c *HTTPCaller) Call(ctx context.Context, op Operation, p Params) (json.RawMessage, error) {
	ep, ok := c.endpoints[op.Service]
	if !ok || ep.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, op.Service)
	}
	method, target, err := requestTarget(ep.BaseURL, op, p)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	var body io.Reader
	if len(p.Body) > 0 && (method == http.MethodPost || method == http.MethodPut) {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &DownstreamError{Service: op.Service, Operation: op.Name, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	meta := auth.MetaFromContext(ctx)
	setIf(req.Header, "X-Request-ID", meta.RequestID)
	setIf(req.Header, "X-SSO-User", meta.UserID)
	setIf(req.Header, "X-SSO-Session", meta.SessionID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &DownstreamError{Service: op.Service, Operation: op.Name, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBody))
	if err != nil {
		return nil, &DownstreamError{Service: op.Service, Operation: op.Name, StatusCode: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &DownstreamError{
			Service: op.Service, Operation: op.Name, StatusCode: resp.StatusCode,
			Body: strings.TrimSpace(string(data)),
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, &DownstreamError{
			Service: op.Service, Operation: op.Name, StatusCode: resp.StatusCode,
			Err: errors.New("response is not valid JSON"),
		}
	}
	return json.RawMessage(data), nil
}

func requestTarget(base string, op Operation, p Params) (string, string, error) {
	var method string
	switch op.Kind {
	case KindList:
		method = http.MethodGet
	case KindGet:
		method = http.MethodGet
	case KindCreate:
		method = http.MethodPost
	case KindUpdate:
		method = http.MethodPut
	default:
		return "", "", fmt.Errorf("%w: kind %q", ErrUnknownOperation, op.Kind)
	}
	path := "/" + url.PathEscape(op.Resource)
	if op.Kind == KindGet || op.Kind == KindUpdate {
		if p.ID == "" {
			return "", "", fmt.Errorf("%w: %s requires an id", ErrUnknownOperation, op.Name)
		}
		path += "/" + url.PathEscape(p.ID)
	}
	if op.Suffix != "" {
		path += "/" + url.PathEscape(op.Suffix)
	}
	target := base + path
	if len(p.Query) > 0 {
		target += "?" + p.Query.Encode()
	}
	return method, target, nil
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}
