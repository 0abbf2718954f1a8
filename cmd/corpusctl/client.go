package main

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

	corpushttp "github.com/fyrsmithlabs/corpusd/internal/http"
)

// maxErrorBody bounds how much of an unexpected error body is printed.
const maxErrorBody = 4096

// client calls the corpusd HTTP API.
type client struct {
	base   string
	http   *http.Client
	tenant string
}

func newClient(opts *options, needTenant bool) (*client, error) {
	if needTenant && opts.tenant == "" {
		return nil, errors.New("--tenant is required (or set CORPUSD_TENANT)")
	}
	return &client{
		base:   strings.TrimRight(opts.server, "/"),
		http:   &http.Client{Timeout: opts.timeout},
		tenant: opts.tenant,
	}, nil
}

// tenantPath builds /api/v1/tenants/<tenant>/<parts...> with each part escaped.
func (c *client) tenantPath(parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/v1/tenants/")
	b.WriteString(url.PathEscape(c.tenant))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// do sends body as JSON and returns the raw response body. Non-2xx
// responses become errors carrying the server's error code and message.
func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var eb corpushttp.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error.Code != "" {
			return nil, fmt.Errorf("server returned %d %s: %s", resp.StatusCode, eb.Error.Code, eb.Error.Message)
		}
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// call is do followed by decoding the response into out.
func (c *client) call(ctx context.Context, method, path string, body, out any) ([]byte, error) {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return data, nil
}
