package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/nikkolasg/hexjson"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/ledger"
)

// Client talks to the control API of a running node.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a client of the control API listening on addr.
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), hc: &http.Client{Timeout: 2 * time.Minute}}
}

// StatusError is returned for every answer that is not a success.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control API answered %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorJSON
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Identity returns the identity of the node.
func (c *Client) Identity(ctx context.Context) (*IdentityJSON, error) {
	var out IdentityJSON
	if err := c.do(ctx, http.MethodGet, "/identity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAccount creates an account hosted by the node.
func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest) (*AccountJSON, error) {
	var out AccountJSON
	if err := c.do(ctx, http.MethodPost, "/accounts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Accounts lists accounts: scope is "mine" or "all", a non empty host
// restricts the list to its accounts.
func (c *Client) Accounts(ctx context.Context, scope string, host key.PartyName) ([]AccountJSON, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if host != "" {
		q.Set("host", string(host))
	}
	var out []AccountJSON
	err := c.do(ctx, http.MethodGet, "/accounts?"+q.Encode(), nil, &out)
	return out, err
}

// Account returns the account with the given id.
func (c *Client) Account(ctx context.Context, id uuid.UUID) (*AccountJSON, error) {
	var out AccountJSON
	if err := c.do(ctx, http.MethodGet, "/accounts/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AccountsByName returns the known accounts called name.
func (c *Client) AccountsByName(ctx context.Context, name string) ([]AccountJSON, error) {
	var out []AccountJSON
	err := c.do(ctx, http.MethodGet, "/accounts/by-name/"+url.PathEscape(name), nil, &out)
	return out, err
}

// AccountByKey resolves k to its account.
func (c *Client) AccountByKey(ctx context.Context, k key.PublicKey) (*AccountJSON, error) {
	var out AccountJSON
	if err := c.do(ctx, http.MethodGet, "/accounts/by-key/"+k.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestKey obtains a fresh key for the account.
func (c *Client) RequestKey(ctx context.Context, id uuid.UUID) (key.PublicKey, error) {
	var out KeyJSON
	err := c.do(ctx, http.MethodPost, "/accounts/"+id.String()+"/keys", nil, &out)
	return out.Key, err
}

// ShareAccount discloses the account to the recipients.
func (c *Client) ShareAccount(ctx context.Context, id uuid.UUID, recipients ...key.PartyName) error {
	return c.do(ctx, http.MethodPost, "/accounts/"+id.String()+"/share", ShareRequest{Recipients: recipients}, nil)
}

// IssueState records a state signed by the node.
func (c *Client) IssueState(ctx context.Context, req IssueRequest) (*StateJSON, error) {
	var out StateJSON
	if err := c.do(ctx, http.MethodPost, "/states", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncState sends the state at ref as described by req.
func (c *Client) SyncState(ctx context.Context, ref ledger.StateRef, req SyncRequest) error {
	path := fmt.Sprintf("/states/%s/%d/sync", ref.TxID, ref.Index)
	return c.do(ctx, http.MethodPost, path, req, nil)
}

// States returns the states visible to the accounts.
func (c *Client) States(ctx context.Context, ids ...uuid.UUID) ([]StateJSON, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("account", id.String())
	}
	var out []StateJSON
	err := c.do(ctx, http.MethodGet, "/states?"+q.Encode(), nil, &out)
	return out, err
}
