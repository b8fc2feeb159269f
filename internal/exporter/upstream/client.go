package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Params are the per-call parameters of one endpoint invocation. Path
// parameters are substituted into the capability's path template, the rest
// are sent as query parameters.
type Params map[string]string

// Payload is the aggregated result of one endpoint invocation across all of
// its pages.
type Payload struct {
	Items []json.RawMessage
	Pages int
}

// Invoker is the boundary collectors call through. Implementations classify
// every failure as RateLimitedError, TransientError or FatalError so the
// retry policy can act on it.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, params Params) (*Payload, error)
}

// Client talks to the cloud management API over HTTP and handles pagination.
type Client struct {
	baseURL      string
	apiKey       string
	pageSize     int
	httpClient   *http.Client
	capabilities map[string]Capability
}

func NewClient(baseURL, apiKey string, pageSize int, requestTimeout time.Duration, capabilities []Capability) *Client {
	if pageSize < 1 {
		pageSize = 1000
	}
	byEndpoint := make(map[string]Capability, len(capabilities))
	for _, capability := range capabilities {
		byEndpoint[capability.Endpoint] = capability
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		pageSize:     pageSize,
		httpClient:   &http.Client{Timeout: requestTimeout},
		capabilities: byEndpoint,
	}
}

func (c *Client) Invoke(ctx context.Context, endpoint string, params Params) (*Payload, error) {
	capability, ok := c.capabilities[endpoint]
	if !ok {
		return nil, &FatalError{Cause: errors.Errorf("unknown upstream endpoint %q", endpoint)}
	}
	if !capability.Supported {
		return nil, &FatalError{Cause: errors.Errorf("upstream endpoint %q is not supported", endpoint)}
	}

	path := capability.Path
	query := url.Values{}
	for key, value := range params {
		placeholder := "{" + key + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		} else {
			query.Set(key, value)
		}
	}
	for _, required := range capability.RequiredParams {
		if _, ok := params[required]; !ok {
			return nil, &FatalError{Cause: errors.Errorf("endpoint %q requires parameter %q", endpoint, required)}
		}
	}
	query.Set("perPage", strconv.Itoa(c.pageSize))

	payload := &Payload{}
	pageURL := c.baseURL + path + "?" + query.Encode()
	for pageURL != "" {
		items, next, err := c.getPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		payload.Items = append(payload.Items, items...)
		payload.Pages++
		pageURL = next
	}
	return payload, nil
}

// Ping issues the cheapest possible authenticated request, used by startup
// capability resolution and the health checker.
func (c *Client) Ping(ctx context.Context) error {
	pingURL := c.baseURL + "/organizations?perPage=1"
	_, _, err := c.getPage(ctx, pingURL)
	return err
}

func (c *Client) getPage(ctx context.Context, pageURL string) ([]json.RawMessage, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", &FatalError{Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, "", classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &TransientError{Cause: err}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		// Some endpoints return a single object rather than a list.
		var object json.RawMessage
		if err2 := json.Unmarshal(body, &object); err2 != nil {
			return nil, "", &FatalError{Cause: errors.Wrap(err, "decoding upstream response")}
		}
		items = []json.RawMessage{object}
	}
	return items, nextPageLink(resp.Header.Get("Link")), nil
}

func classifyStatus(statusCode int, retryAfterHeader string) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if seconds, err := strconv.Atoi(retryAfterHeader); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds) * time.Second
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	case statusCode >= 500:
		return &TransientError{Cause: fmt.Errorf("upstream returned status %d", statusCode)}
	default:
		return &FatalError{StatusCode: statusCode}
	}
}

// nextPageLink extracts the rel="next" url from an RFC 5988 Link header.
func nextPageLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		if strings.TrimSpace(section[1]) == `rel="next"` {
			return strings.Trim(strings.TrimSpace(section[0]), "<>")
		}
	}
	return ""
}
