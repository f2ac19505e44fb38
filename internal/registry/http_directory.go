package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentstation/ordersync/pkg/errors"
)

// HTTPDirectory resolves slugs against the service that owns restaurants.
// The endpoint answers 404 for unknown slugs and otherwise a JSON object
// with an id, optionally wrapped in {"data": ...}.
type HTTPDirectory struct {
	// URLTemplate contains {restaurant}, replaced by the escaped slug.
	URLTemplate string
	Header      http.Header
	Client      *http.Client
}

type directoryEntry struct {
	ID   string          `json:"id"`
	Data *directoryEntry `json:"data"`
}

// Resolve implements Directory.
func (d *HTTPDirectory) Resolve(ctx context.Context, slug string) (string, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "", errors.NewValidationError("restaurant", slug, "cannot be empty")
	}

	endpoint := strings.ReplaceAll(d.URLTemplate, "{restaurant}", url.PathEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.NewConfigError("directory", "invalid url template", err)
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.WrapTransport("resolve", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", errors.NewNotFoundError("restaurant", slug)
	case resp.StatusCode >= 300:
		return "", errors.WrapTransport("resolve", endpoint, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var entry directoryEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&entry); err != nil {
		return "", errors.NewParseError("json", endpoint, "invalid directory entry", err)
	}
	if entry.Data != nil {
		entry = *entry.Data
	}
	if entry.ID == "" {
		return "", errors.NewNotFoundError("restaurant", slug)
	}
	return entry.ID, nil
}
