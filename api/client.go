// Package api talks to the live-db HTTP API, the system of record for
// customer organizations, organizations, users and signals.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
)

type (
	// HTTPClient is the HTTP client
	HTTPClient interface {
		Do(r *http.Request) (*http.Response, error)
	}

	// Logger function
	Logger func(message string, args ...interface{})

	// Client calls the remote API. Every call is a single attempt with no
	// retry and no timeout override: the bot is a low-volume interactive
	// tool and the user retries by re-sending their message.
	Client struct {
		client  HTTPClient
		baseURL string
		key     string
		logf    Logger
	}

	// Entity is an id / name record returned by the list endpoints.
	Entity struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	// Signal is a free-text item submitted against zero or more
	// organizations, attributed to a registered user.
	Signal struct {
		Text   string
		OrgIDs []int
		UserID int
	}
)

// Error is returned for every failed call to the remote API. Status is zero
// when the request never reached the server.
type Error struct {
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("api: got status %d: %s", e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("api: got status %d", e.Status)
	default:
		return fmt.Sprintf("api: %v", e.Err)
	}
}

// New creates a Client for the API at baseURL, authenticating every call
// with key.
func New(client HTTPClient, baseURL, key string, logf Logger) *Client {
	return &Client{
		client:  client,
		baseURL: baseURL,
		key:     key,
		logf:    logf,
	}
}

// call performs one request against the API. GET passes query parameters;
// POST passes either query parameters or a JSON body, both shapes occur in
// the API. The access_token header is attached to every call.
func (c *Client) call(ctx context.Context, endpoint, method string, query url.Values, body interface{}) (json.RawMessage, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Err: err}
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.Header.Set("access_token", c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logf("API call to %s failed: %v\n", endpoint, err)
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logf("API call to %s got status %d: %s\n", endpoint, resp.StatusCode, raw)
		return nil, &Error{Status: resp.StatusCode, Body: string(raw)}
	}

	return json.RawMessage(raw), nil
}

// CustomerOrgBySlack resolves a Slack workspace to its customer organization.
// ok is false when the workspace is not registered; that is a normal branch,
// not an error.
func (c *Client) CustomerOrgBySlack(ctx context.Context, teamID string) (id int, ok bool, err error) {
	raw, err := c.call(ctx, "/customerorganization/slack", "GET", url.Values{"slack_id": {teamID}}, nil)
	if err != nil {
		return 0, false, err
	}
	return optionalID(raw, "customer_organization_id")
}

// UserBySlack resolves a Slack user to their registered user id. ok is false
// when the Slack user is not registered.
func (c *Client) UserBySlack(ctx context.Context, subjectID string) (id int, ok bool, err error) {
	raw, err := c.call(ctx, "/user/slack", "GET", url.Values{"slack_id": {subjectID}}, nil)
	if err != nil {
		return 0, false, err
	}
	return optionalID(raw, "user_id")
}

// ListCustomerOrganizations lists all customer organizations.
func (c *Client) ListCustomerOrganizations(ctx context.Context) ([]Entity, error) {
	raw, err := c.call(ctx, "/customerorganization/list", "GET", nil, nil)
	if err != nil {
		return nil, err
	}
	return entities(raw)
}

// ListOrganizations lists the organizations of one customer organization.
func (c *Client) ListOrganizations(ctx context.Context, customerOrgID int) ([]Entity, error) {
	q := url.Values{"customer_organization_id": {strconv.Itoa(customerOrgID)}}
	raw, err := c.call(ctx, "/organization/list", "GET", q, nil)
	if err != nil {
		return nil, err
	}
	return entities(raw)
}

// ListUsers lists the users of one customer organization.
func (c *Client) ListUsers(ctx context.Context, customerOrgID int) ([]Entity, error) {
	q := url.Values{"customer_organization_id": {strconv.Itoa(customerOrgID)}}
	raw, err := c.call(ctx, "/user/list", "GET", q, nil)
	if err != nil {
		return nil, err
	}
	return entities(raw)
}

// CreateCustomerOrganization creates a customer organization and returns its
// id.
func (c *Client) CreateCustomerOrganization(ctx context.Context, name string) (int, error) {
	raw, err := c.call(ctx, "/customerorganization/create", "POST", nil, map[string]interface{}{
		"name": name,
	})
	if err != nil {
		return 0, err
	}
	return requiredID(raw, "customerorganization_id")
}

// CreateOrganization creates an organization under a customer organization
// and returns its id.
func (c *Client) CreateOrganization(ctx context.Context, name string, customerOrgID int) (int, error) {
	raw, err := c.call(ctx, "/organization/create", "POST", nil, map[string]interface{}{
		"name":                     name,
		"Customer_Organization_id": customerOrgID,
	})
	if err != nil {
		return 0, err
	}
	return requiredID(raw, "organization_id")
}

// CreateUser creates a user under a customer organization and returns their
// id.
func (c *Client) CreateUser(ctx context.Context, name string, customerOrgID int) (int, error) {
	raw, err := c.call(ctx, "/user/create", "POST", nil, map[string]interface{}{
		"name":                     name,
		"Customer_Organization_id": customerOrgID,
	})
	if err != nil {
		return 0, err
	}
	return requiredID(raw, "user_id")
}

// RegisterCustomerOrganization links a Slack workspace to a customer
// organization. This endpoint takes its arguments as query parameters.
func (c *Client) RegisterCustomerOrganization(ctx context.Context, teamID string, customerOrgID int) error {
	q := url.Values{
		"slack_id":                 {teamID},
		"customer_organization_id": {strconv.Itoa(customerOrgID)},
	}
	_, err := c.call(ctx, "/customerorganization/register", "POST", q, nil)
	return err
}

// RegisterUser links a Slack user to a user id.
func (c *Client) RegisterUser(ctx context.Context, subjectID string, userID int) error {
	_, err := c.call(ctx, "/user/register", "POST", nil, map[string]interface{}{
		"slack_id": subjectID,
		"user_id":  userID,
	})
	return err
}

// CreateSignal submits a signal. The raw API response is returned so callers
// can echo it back to the submitter.
func (c *Client) CreateSignal(ctx context.Context, s Signal) (string, error) {
	orgIDs := s.OrgIDs
	if orgIDs == nil {
		orgIDs = []int{}
	}
	raw, err := c.call(ctx, "/signal/create", "POST", nil, map[string]interface{}{
		"signal":           s.Text,
		"organization_ids": orgIDs,
		"user_id":          s.UserID,
		"source":           "Slack",
		"type":             "manual",
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func entities(raw json.RawMessage) ([]Entity, error) {
	var out []Entity
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Err: err}
	}
	return out, nil
}

// optionalID reads key from a response object. A missing key means "not
// registered" and is reported through ok, not as an error.
func optionalID(raw json.RawMessage, key string) (int, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, false, &Error{Err: err}
	}
	v, ok := fields[key]
	if !ok {
		return 0, false, nil
	}
	var id int
	if err := json.Unmarshal(v, &id); err != nil {
		return 0, false, &Error{Err: err}
	}
	return id, true, nil
}

// requiredID reads key from a response object, failing when it is absent.
func requiredID(raw json.RawMessage, key string) (int, error) {
	id, ok, err := optionalID(raw, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &Error{Err: fmt.Errorf("response is missing %q: %s", key, raw)}
	}
	return id, nil
}
