package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"
	goa "goa.design/goa/v3/pkg"

	"porchwatch/internal/database"
)

type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type listPayload struct {
	Limit  int
	Since  string
	Status string
}

type detectionList struct {
	Detections []*database.DetectionRecord `json:"detections"`
	Total      int64                       `json:"total"`
}

type captureList struct {
	Captures []*database.CaptureRecord `json:"captures"`
}

// client builds goa endpoints against the dashboard API
type client struct {
	base  *url.URL
	doer  goahttp.Doer
	token string
}

func newClient(rawURL string, timeout int, token string, debug bool) (*client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	var doer goahttp.Doer
	{
		doer = &http.Client{Timeout: time.Duration(timeout) * time.Second}
		if debug {
			doer = goahttp.NewDebugDoer(doer)
		}
	}
	return &client{base: u, doer: doer, token: token}, nil
}

func (c *client) newRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	u := *c.base
	u.Path = path
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// decode reads a JSON body into v or turns an error response into an error
func decode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	dec := goahttp.ResponseDecoder(resp)
	if resp.StatusCode != http.StatusOK {
		var e apiError
		if err := dec.Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("%s", resp.Status)
		}
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return dec.Decode(v)
}

func (c *client) login() goa.Endpoint {
	return func(ctx context.Context, v any) (any, error) {
		p := v.(*loginPayload)
		req, err := c.newRequest(ctx, http.MethodPost, "/api/login", nil)
		if err != nil {
			return nil, err
		}
		if err := goahttp.RequestEncoder(req).Encode(p); err != nil {
			return nil, err
		}
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, err
		}
		var res loginResult
		return &res, decode(resp, &res)
	}
}

func (c *client) listDetections() goa.Endpoint {
	return func(ctx context.Context, v any) (any, error) {
		p := v.(*listPayload)
		q := url.Values{"limit": {strconv.Itoa(p.Limit)}}
		if p.Since != "" {
			q.Set("since", p.Since)
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/api/detections", q)
		if err != nil {
			return nil, err
		}
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, err
		}
		var res detectionList
		return &res, decode(resp, &res)
	}
}

func (c *client) listCaptures() goa.Endpoint {
	return func(ctx context.Context, v any) (any, error) {
		p := v.(*listPayload)
		q := url.Values{"limit": {strconv.Itoa(p.Limit)}}
		if p.Status != "" {
			q.Set("status", p.Status)
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/api/captures", q)
		if err != nil {
			return nil, err
		}
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, err
		}
		var res captureList
		return &res, decode(resp, &res)
	}
}
