// Package transport is the HTTP client order services use to publish
// envelopes to an ordersync server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
)

// DefaultHTTPTimeout is the default timeout for HTTP requests.
var DefaultHTTPTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// Receipt is the server's answer to an accepted publish.
type Receipt struct {
	Envelope  envelope.Envelope `json:"envelope" yaml:"envelope"`
	Delivered int               `json:"delivered" yaml:"delivered"`
	Dropped   int               `json:"dropped" yaml:"dropped"`
	Duplicate bool              `json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
}

// Client publishes to one server.
type Client struct {
	baseURL string
	http    *http.Client
	auth    Authenticator
}

// New creates a client for the API base URL, e.g. http://localhost:8080/api/v1.
func New(baseURL string, auth Authenticator) *Client {
	if auth == nil {
		auth = NoAuth{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultHTTPTimeout},
		auth:    auth,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Publish sends an unstamped envelope to the restaurant's room and returns
// the stamped envelope with the delivery counts.
func (c *Client) Publish(ctx context.Context, restaurantSlug string, env envelope.Envelope) (Receipt, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Receipt{}, errors.NewParseError("json", "", "encoding envelope", err)
	}

	endpoint := c.baseURL + "/restaurants/" + url.PathEscape(restaurantSlug) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, errors.WrapTransport("request", endpoint, err)
	}

	var receipt Receipt
	if err := c.do(req, restaurantSlug, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (c *Client) do(req *http.Request, resource string, target any) error {
	c.auth.Apply(req)
	req.Header.Set("Accept", "application/json")
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapTransport("request", req.URL.String(), err)
	}
	return decodeResponse(resp, resource, target)
}

// apiResponse mirrors the server's data/error body.
type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

// decodeResponse unwraps the data field into target, or turns a failed
// response into the matching error type.
func decodeResponse(resp *http.Response, resource string, target any) error {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.WrapTransport("read", resp.Request.URL.String(), err)
	}

	var body apiResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		if resp.StatusCode >= http.StatusMultipleChoices {
			return statusError(resp, resource, strings.TrimSpace(string(raw)))
		}
		return errors.NewParseError("json", "", "decoding response", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices || body.Error != nil {
		msg := http.StatusText(resp.StatusCode)
		if body.Error != nil {
			msg = body.Error.Message
			if body.Error.Details != "" {
				msg += ": " + body.Error.Details
			}
		}
		return statusError(resp, resource, msg)
	}

	if target == nil || len(body.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(body.Data, target); err != nil {
		return errors.NewParseError("json", "", "decoding response data", err)
	}
	return nil
}

func statusError(resp *http.Response, resource, msg string) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.NewNotFoundError("restaurant", resource)
	case http.StatusBadRequest:
		return errors.NewValidationError("", nil, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", errors.ErrUnauthorized, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", errors.ErrRoomMismatch, msg)
	default:
		return errors.NewTransportError("publish", resp.Request.URL.String(), fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
}
