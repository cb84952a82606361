// Package hrapi is an HTTP client for a HiBob-style HR API: bulk people
// listing, filtered search, and per-employee field updates.
package hrapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for HR API client failures.
var (
	ErrAPIUnreachable = errors.New("hr api unreachable")
	ErrAPIError       = errors.New("hr api error")
	ErrAPITimeout     = errors.New("hr api timeout")
)

// Person is one employee record with the requested field values,
// flattened by dotted field path.
type Person struct {
	ID     string
	Values map[string]string
}

// UpdateResult carries the raw outcome of an update call. The engine
// interprets the status code itself, so non-2xx responses are not
// errors at this layer; only transport failures are.
type UpdateResult struct {
	Code int
	Body string
}

// Client is the interface for talking to the HR API.
type Client interface {
	// ListPeople returns all employees visible to the service user,
	// with the given field paths populated.
	ListPeople(ctx context.Context, fields []string) ([]Person, error)
	// SearchByField returns employees whose fieldPath equals value.
	// Unlike ListPeople this covers records outside the default
	// visibility scope, at higher per-call cost.
	SearchByField(ctx context.Context, fieldPath, value string, fields []string) ([]Person, error)
	// UpdateField sets fieldPath to value on one employee.
	UpdateField(ctx context.Context, employeeID, fieldPath, value string) (UpdateResult, error)
	// GetFieldValue reads back the current value of fieldPath.
	GetFieldValue(ctx context.Context, employeeID, fieldPath string) (string, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client against the HR provider's REST API.
type HTTPClient struct {
	baseURL       string
	serviceUserID string
	token         string
	client        *http.Client
}

// NewHTTPClient creates a new HR API client. Authentication is a static
// basic credential (service user id + token) supplied by configuration.
func NewHTTPClient(baseURL, serviceUserID, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		serviceUserID: serviceUserID,
		token:         token,
		client:        &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ListPeople(ctx context.Context, fields []string) ([]Person, error) {
	return c.search(ctx, searchRequest{
		Fields:        fields,
		HumanReadable: "REPLACE",
	})
}

func (c *HTTPClient) SearchByField(ctx context.Context, fieldPath, value string, fields []string) ([]Person, error) {
	return c.search(ctx, searchRequest{
		Fields:        fields,
		HumanReadable: "REPLACE",
		Filters: []searchFilter{{
			FieldPath: fieldPath,
			Operator:  "equals",
			Values:    []string{value},
		}},
	})
}

func (c *HTTPClient) search(ctx context.Context, req searchRequest) ([]Person, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/people/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search status %d", ErrAPIError, resp.StatusCode)
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	people := make([]Person, 0, len(searchResp.Employees))
	for _, raw := range searchResp.Employees {
		people = append(people, flattenPerson(raw))
	}
	return people, nil
}

func (c *HTTPClient) UpdateField(ctx context.Context, employeeID, fieldPath, value string) (UpdateResult, error) {
	payload := nestedPayload(fieldPath, value)
	body, err := json.Marshal(payload)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("encoding update payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/v1/people/"+employeeID, bytes.NewReader(body))
	if err != nil {
		return UpdateResult{}, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return UpdateResult{}, classifyError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return UpdateResult{Code: resp.StatusCode, Body: string(respBody)}, nil
}

func (c *HTTPClient) GetFieldValue(ctx context.Context, employeeID, fieldPath string) (string, error) {
	people, err := c.SearchByField(ctx, "root.id", employeeID, []string{fieldPath})
	if err != nil {
		return "", err
	}
	if len(people) == 0 {
		return "", fmt.Errorf("%w: employee %s not found", ErrAPIError, employeeID)
	}
	return people[0].Values[fieldPath], nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/company/named-lists", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: hr api not ready (status %d)", ErrAPIUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.SetBasicAuth(c.serviceUserID, c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrAPITimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrAPITimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrAPIUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrAPIUnreachable, err)
}

// nestedPayload expands a dotted field path into the nested JSON object
// the update endpoint expects: "work.site" -> {"work":{"site":value}}.
func nestedPayload(fieldPath string, value string) map[string]any {
	parts := strings.Split(fieldPath, ".")
	if parts[0] == "root" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return map[string]any{}
	}

	payload := map[string]any{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		payload = map[string]any{parts[i]: payload}
	}
	return payload
}

// flattenPerson converts a nested employee object into dotted-path
// string values. The "root." prefix used in field selectors maps to
// top-level keys in the response.
func flattenPerson(raw map[string]any) Person {
	values := make(map[string]string)
	flattenInto(values, "", raw)

	p := Person{Values: values}
	if id, ok := raw["id"].(string); ok {
		p.ID = id
	}
	// Selectors address top-level fields as "root.<name>".
	for k, v := range values {
		if !strings.Contains(k, ".") {
			values["root."+k] = v
		}
	}
	return p
}

func flattenInto(dst map[string]string, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(dst, key, child)
		}
	case string:
		dst[prefix] = val
	case float64:
		dst[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		dst[prefix] = strconv.FormatBool(val)
	case nil:
		// omit
	default:
		b, err := json.Marshal(val)
		if err == nil {
			dst[prefix] = string(b)
		}
	}
}

// --- wire types ---

type searchRequest struct {
	Fields        []string       `json:"fields,omitempty"`
	Filters       []searchFilter `json:"filters,omitempty"`
	HumanReadable string         `json:"humanReadable,omitempty"`
}

type searchFilter struct {
	FieldPath string   `json:"fieldPath"`
	Operator  string   `json:"operator"`
	Values    []string `json:"values"`
}

type searchResponse struct {
	Employees []map[string]any `json:"employees"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
