// Package snapshot fetches the baseline order list a display starts from.
// ordersync does not store orders; the owning service or a local file does.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/orders"
)

// Source returns the current orders of a restaurant.
type Source interface {
	Fetch(ctx context.Context, restaurantID string) ([]orders.Order, error)
}

// Empty is a source with no orders.
type Empty struct{}

// Fetch implements Source.
func (Empty) Fetch(context.Context, string) ([]orders.Order, error) {
	return nil, nil
}

// New picks a source for a location: http(s) URLs (with an optional
// {restaurant} placeholder) are fetched, anything else is read as a file.
// An empty location yields an empty snapshot.
func New(location string, header http.Header) Source {
	switch {
	case location == "":
		return Empty{}
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return &HTTPSource{URLTemplate: location, Header: header}
	default:
		return &FileSource{Path: location}
	}
}

// HTTPSource GETs a JSON array of orders.
type HTTPSource struct {
	// URLTemplate may contain {restaurant}, replaced by the escaped restaurant id.
	URLTemplate string
	Header      http.Header
	Client      *http.Client
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, restaurantID string) ([]orders.Order, error) {
	endpoint := strings.ReplaceAll(s.URLTemplate, "{restaurant}", url.PathEscape(restaurantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.WrapValidation("snapshot url", err)
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.WrapTransport("fetch", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.WrapTransport("read", endpoint, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewNotFoundError("restaurant", restaurantID)
	case resp.StatusCode >= 300:
		return nil, errors.WrapTransport("fetch", endpoint, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	list, err := decodeJSON(body)
	if err != nil {
		return nil, errors.NewParseError("json", endpoint, "invalid order list", err)
	}
	return scope(list, restaurantID), nil
}

// decodeJSON accepts a bare array or the {"data": [...]} response envelope.
func decodeJSON(body []byte) ([]orders.Order, error) {
	body = bytes.TrimSpace(body)
	var list []orders.Order
	if len(body) > 0 && body[0] == '{' {
		var wrapped struct {
			Data []orders.Order `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Data, nil
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// FileSource reads orders from a YAML or JSON file.
type FileSource struct {
	Path string
}

// Fetch implements Source.
func (s *FileSource) Fetch(ctx context.Context, restaurantID string) ([]orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := ReadOrders(s.Path)
	if err != nil {
		return nil, err
	}
	return scope(list, restaurantID), nil
}

// ReadOrders reads a list of orders, or a single order, from a YAML or JSON file.
func ReadOrders(path string) ([]orders.Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("file", path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []orders.Order
	if err := yaml.Unmarshal(trimmed, &list); err == nil {
		return list, nil
	}
	var single orders.Order
	if err := yaml.Unmarshal(trimmed, &single); err != nil {
		return nil, errors.NewParseError(format, path, "expected an order or a list of orders", err)
	}
	return []orders.Order{single}, nil
}

// ReadOrder reads exactly one order from a YAML or JSON file.
func ReadOrder(path string) (orders.Order, error) {
	list, err := ReadOrders(path)
	if err != nil {
		return orders.Order{}, err
	}
	if len(list) != 1 {
		return orders.Order{}, errors.NewValidationError("file", path, fmt.Sprintf("expected one order, found %d", len(list)))
	}
	return list[0], nil
}

// scope keeps the orders of one restaurant; orders without a restaurant are adopted.
func scope(list []orders.Order, restaurantID string) []orders.Order {
	out := make([]orders.Order, 0, len(list))
	for _, o := range list {
		if o.RestaurantID == "" {
			o.RestaurantID = restaurantID
		}
		if o.RestaurantID == restaurantID {
			out = append(out, o)
		}
	}
	return out
}
