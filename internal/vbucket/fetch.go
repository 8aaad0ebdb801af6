package vbucket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// fetchTimeout bounds one configuration request.
const fetchTimeout = 30 * time.Second

// Fetch retrieves the bucket configuration from the cluster REST
// endpoint (host is "host:port" of the management interface) and
// parses it. The supplied credentials authenticate the request and,
// when non-empty, override the credentials carried by the document.
func Fetch(ctx context.Context, host, bucket, user, password string) (*Config, error) {
	if bucket == "" {
		bucket = "default"
	}
	u := url.URL{
		Scheme: "http",
		Host:   host,
		Path:   "/pools/default/buckets/" + url.PathEscape(bucket),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if user != "" {
		req.SetBasicAuth(user, password)
	}

	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vbucket: fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vbucket: fetch config: %s returned %s", u.String(), resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("vbucket: fetch config: %w", err)
	}
	return Parse(body, user, password)
}
